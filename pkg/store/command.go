package store

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"raftkv/pkg/dberrors"

	"github.com/google/uuid"
)

type Operation uint8

const (
	InsertOp Operation = iota
	DeleteOp
)

func (op Operation) String() string {
	switch op {
	case InsertOp:
		return "insert"
	case DeleteOp:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Command is the payload of a normal log entry.
type Command struct {
	ID    uuid.UUID `json:"id"`
	Op    Operation `json:"op"`
	Key   string    `json:"key"`
	Value string    `json:"value,omitempty"`
}

func NewPut(key, value string) Command {
	return Command{ID: uuid.New(), Op: InsertOp, Key: key, Value: value}
}

func NewDelete(key string) Command {
	return Command{ID: uuid.New(), Op: DeleteOp, Key: key}
}

// Validate is deterministic: every replica rejects the same commands.
func (c Command) Validate() error {
	switch c.Op {
	case InsertOp, DeleteOp:
	default:
		return fmt.Errorf("%w: unknown operation %v", dberrors.ErrApply, c.Op)
	}
	if c.Key == "" {
		return fmt.Errorf("%w: empty key", dberrors.ErrApply)
	}
	return c.checkUTF8()
}

// JSON подменил бы такие байты на U+FFFD.
func (c Command) checkUTF8() error {
	if !utf8.ValidString(c.Key) || !utf8.ValidString(c.Value) {
		return fmt.Errorf("%w: key and value must be valid UTF-8", dberrors.ErrApply)
	}
	return nil
}

func (c Command) Encode() ([]byte, error) {
	if err := c.checkUTF8(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return data, nil
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: unmarshal command: %v", dberrors.ErrApply, err)
	}
	return c, nil
}
