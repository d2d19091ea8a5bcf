package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	UserName     string `msgpack:"userName"`
	DisplayName  string `msgpack:"displayName"`
	ConnectionID string `msgpack:"connectionId"`
	LastSeenAt   int64  `msgpack:"lastSeenAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.UserName)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBMessage struct {
	ID              string         `msgpack:"id"`
	ConversationKey string         `msgpack:"conversationKey"`
	From            string         `msgpack:"from"`
	To              string         `msgpack:"to"`
	Text            string         `msgpack:"text"`
	SentAt          int64          `msgpack:"sentAt"`
	Attachments     []DBAttachment `msgpack:"attachments"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
}

// Key orders messages by send time within a conversation bucket; the id
// suffix keeps keys unique when two messages share a millisecond.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.SentAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
