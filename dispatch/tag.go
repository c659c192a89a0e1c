package dispatch

import (
	"errors"
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// DefaultTagPath selects the top-level "action" field.
const DefaultTagPath = "$.action"

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrNoTag          = errors.New("frame has no tag")
)

// TagExtractor validates a frame as JSON and pulls its dispatch tag out with
// a JSONPath expression.
type TagExtractor struct {
	path jp.Expr
}

func NewTagExtractor(path string) (*TagExtractor, error) {
	if path == "" {
		path = DefaultTagPath
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid tag path %q: %w", path, err)
	}
	return &TagExtractor{path: expr}, nil
}

func (x *TagExtractor) Extract(text string) (string, error) {
	data, err := oj.ParseString(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	results := x.path.Get(data)
	if len(results) == 0 {
		return "", ErrNoTag
	}
	switch v := results[0].(type) {
	case nil:
		return "", ErrNoTag
	case string:
		if v == "" {
			return "", ErrNoTag
		}
		return v, nil
	case map[string]any, []any:
		return "", fmt.Errorf("%w: tag is not a scalar", ErrNoTag)
	default:
		return fmt.Sprint(v), nil
	}
}
