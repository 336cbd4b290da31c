package odm

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
)

// transformFunc converts a raw document into the item a cursor yields.
type transformFunc func(ctx context.Context, doc bson.M) (any, error)

// cursorState tracks the cursor's advance state machine.
type cursorState int

const (
	cursorIdle cursorState = iota
	cursorFetching
	cursorExhausted
)

// Cursor is a lazy, forward-only, single-pass iteration over a query's result
// stream. Advancing performs at most one outstanding fetch; the fetch inside
// Next is the only suspension point. A cursor has a single owner: advancing
// while a previous advance is still in flight returns ErrCursorBusy.
//
// A cursor is restartable only by re-issuing the underlying query.
type Cursor struct {
	stream    DocumentIter
	transform transformFunc
	state     cursorState
	closed    bool
}

func newCursor(stream DocumentIter, transform transformFunc) *Cursor {
	return &Cursor{stream: stream, transform: transform}
}

// Next advances the cursor and returns the next item. It returns
// ErrStopIteration when the stream is exhausted.
func (c *Cursor) Next(ctx context.Context) (any, error) {
	if c.closed {
		return nil, ErrCursorClosed
	}
	switch c.state {
	case cursorExhausted:
		return nil, ErrStopIteration
	case cursorFetching:
		return nil, ErrCursorBusy
	}

	c.state = cursorFetching
	doc, err := c.stream.Next(ctx)
	if errors.Is(err, ErrStopIteration) {
		c.state = cursorExhausted
		return nil, ErrStopIteration
	}
	if err != nil {
		c.state = cursorIdle
		return nil, err
	}

	item, err := c.transform(ctx, doc)
	c.state = cursorIdle
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Close releases the underlying stream. Further advances return
// ErrCursorClosed.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.stream.Close(ctx)
}

// First advances once and returns the item, or ErrDoesNotExist on an empty
// stream. The cursor may be discarded afterwards.
func (c *Cursor) First(ctx context.Context) (any, error) {
	item, err := c.Next(ctx)
	if errors.Is(err, ErrStopIteration) {
		return nil, ErrDoesNotExist
	}
	return item, err
}

// One returns the single item in the stream. It fails with ErrDoesNotExist on
// an empty stream and with ErrMultipleObjectsReturned when a second item
// exists: uniqueness is verified, not assumed.
func (c *Cursor) One(ctx context.Context) (any, error) {
	item, err := c.First(ctx)
	if err != nil {
		return nil, err
	}
	_, err = c.Next(ctx)
	if errors.Is(err, ErrStopIteration) {
		return item, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrMultipleObjectsReturned
}

// All drains the cursor into a slice, preserving arrival order. Safe for
// finite result sets only.
func (c *Cursor) All(ctx context.Context) ([]any, error) {
	var items []any
	for {
		item, err := c.Next(ctx)
		if errors.Is(err, ErrStopIteration) {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}
