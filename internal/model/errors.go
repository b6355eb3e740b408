package model

import "fmt"

// ShapeError reports a dimension or rank contract violation. It surfaces
// immediately at the offending operation and is never retried internally.
type ShapeError struct {
	Op     string
	Detail string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

func shapeErrorf(op, format string, args ...interface{}) *ShapeError {
	return &ShapeError{Op: op, Detail: fmt.Sprintf(format, args...)}
}
