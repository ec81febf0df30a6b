package studio

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/storymap-studio/internal/ordering"
)

// Collections addressed by client messages.
const (
	CollectionCheckpoints = "checkpoints"
	CollectionMemories    = "memories"
)

// Client operations.
const (
	OpInsert = "insert"
	OpRemove = "remove"
	OpMove   = "move"
	OpUpdate = "update"
	OpOpen   = "open"
	OpFlush  = "flush"
	OpRetry  = "retry"
	OpReload = "reload"
)

// Server message types.
const (
	TypeSequence = "sequence"
	TypeNotice   = "notice"
	TypeAck      = "ack"
)

// Notice kinds.
const (
	NoticeValidation = "validation"
	NoticeBackend    = "backend"
	NoticeProtocol   = "protocol"
)

var errBadMessage = errors.New("bad message")

var errMemoryInsert = fmt.Errorf("%w: memories are added by uploading photos", errBadMessage)

// ClientMessage is one studio gesture. Field values travel as dynamically
// typed protobuf values in their JSON form.
type ClientMessage struct {
	Seq        uint64           `json:"seq,omitempty"`
	Op         string           `json:"op"`
	Collection string           `json:"collection,omitempty"`
	Checkpoint ordering.Key     `json:"checkpoint,omitempty"`
	Key        ordering.Key     `json:"key,omitempty"`
	At         *int             `json:"at,omitempty"`
	To         int              `json:"to,omitempty"`
	Field      string           `json:"field,omitempty"`
	Value      *structpb.Value  `json:"value,omitempty"`
	Item       *structpb.Struct `json:"item,omitempty"`
}

// ServerMessage is pushed to studio clients.
type ServerMessage struct {
	Type       string            `json:"type"`
	Seq        uint64            `json:"seq,omitempty"`
	Collection string            `json:"collection,omitempty"`
	Checkpoint ordering.Key      `json:"checkpoint,omitempty"`
	Key        ordering.Key      `json:"key,omitempty"`
	Items      any               `json:"items,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Notice     *Notice           `json:"notice,omitempty"`
}

// Notice is a non-blocking message for the editor.
type Notice struct {
	Kind    string            `json:"kind"`
	Op      string            `json:"op,omitempty"`
	Key     ordering.Key      `json:"key,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// DecodeClientMessage parses and checks one inbound message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", errBadMessage, err)
	}

	switch msg.Op {
	case OpFlush, OpRetry, OpReload:
		return msg, nil
	case OpOpen:
		if msg.Checkpoint == "" {
			return msg, fmt.Errorf("%w: open needs a checkpoint", errBadMessage)
		}
		return msg, nil
	case OpInsert, OpRemove, OpMove, OpUpdate:
	default:
		return msg, fmt.Errorf("%w: unknown op %q", errBadMessage, msg.Op)
	}

	switch msg.Collection {
	case CollectionCheckpoints:
	case CollectionMemories:
		if msg.Checkpoint == "" {
			return msg, fmt.Errorf("%w: memories need a checkpoint", errBadMessage)
		}
	default:
		return msg, fmt.Errorf("%w: unknown collection %q", errBadMessage, msg.Collection)
	}
	if msg.Op == OpInsert && msg.Collection == CollectionMemories {
		return msg, errMemoryInsert
	}
	if msg.Op != OpInsert && msg.Key == "" {
		return msg, fmt.Errorf("%w: %s needs a key", errBadMessage, msg.Op)
	}
	if msg.Op == OpUpdate && msg.Field == "" {
		return msg, fmt.Errorf("%w: update needs a field", errBadMessage)
	}
	return msg, nil
}

func sequenceMessage[T any](collection string, checkpoint ordering.Key, items []ordering.Item[T]) ServerMessage {
	if items == nil {
		items = []ordering.Item[T]{}
	}
	return ServerMessage{Type: TypeSequence, Collection: collection, Checkpoint: checkpoint, Items: items}
}

func noticeMessage(seq uint64, n Notice) ServerMessage {
	return ServerMessage{Type: TypeNotice, Seq: seq, Notice: &n}
}
