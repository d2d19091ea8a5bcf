package storage

import (
	"fmt"
	"sort"
	"time"

	"vestnik/internal/models"

	"go.etcd.io/bbolt"
)

// DefaultPageSize is applied when a query does not specify take.
const DefaultPageSize = 50

var (
	bucketUsers    = []byte("users")
	bucketMessages = []byte("messages")
	bucketFiles    = []byte("files")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SaveMessage appends the message to its conversation bucket. The write is
// atomic: either the message is fully visible to subsequent queries or the
// whole operation failed.
func (s *BboltStorage) SaveMessage(message models.Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if message.ConversationKey == "" {
			return fmt.Errorf("message %s missing conversation key", message.ID)
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.ConversationKey))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMessage := DBMessage{
			ID:              message.ID,
			ConversationKey: message.ConversationKey,
			From:            message.From,
			To:              message.To,
			Text:            message.Text,
			SentAt:          message.SentAt,
		}
		if len(message.Attachments) > 0 {
			dbMessage.Attachments = make([]DBAttachment, len(message.Attachments))
			for i, a := range message.Attachments {
				dbMessage.Attachments[i] = DBAttachment{
					Type:     string(a.Type),
					Name:     a.Name,
					MimeType: a.MimeType,
					FileID:   a.FileID,
				}
			}
		}

		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
}

// GetChat returns the messages of the conversation between userA and userB
// ordered by SentAt ascending, paginated by skip/take.
func (s *BboltStorage) GetChat(userA, userB string, skip, take int) ([]models.Message, error) {
	key := models.ConversationKey(userA, userB)
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = DefaultPageSize
	}

	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(key))
		if convBucket == nil {
			return nil // no messages for this conversation
		}

		c := convBucket.Cursor()
		seen := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			seen++
			if seen <= skip {
				continue
			}
			if len(messages) == take {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	return messages, err
}

// GetUserConversations scans all conversations the user participates in and
// reduces each to a summary, ordered by LastAt descending.
//
// Each conversation bucket holds messages of a single pair, so the tail
// record is enough to identify the participants and the latest exchange.
func (s *BboltStorage) GetUserConversations(userName string, skip, take int) ([]models.ConversationSummary, error) {
	u := models.NormalizeUserName(userName)
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = DefaultPageSize
	}

	var summaries []models.ConversationSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketMessages)
		return root.ForEachBucket(func(k []byte) error {
			convBucket := root.Bucket(k)
			_, lv := convBucket.Cursor().Last()
			if lv == nil {
				return nil
			}

			var last DBMessage
			if err := last.UnmarshalBinary(lv); err != nil {
				return err
			}

			var peer string
			switch u {
			case last.From:
				peer = last.To
			case last.To:
				peer = last.From
			default:
				return nil // user is not a participant
			}

			summaries = append(summaries, models.ConversationSummary{
				Peer:          peer,
				LastFrom:      last.From,
				LastText:      last.Text,
				LastAt:        last.SentAt,
				TotalMessages: convBucket.Stats().KeyN,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastAt > summaries[j].LastAt
	})

	if skip >= len(summaries) {
		return []models.ConversationSummary{}, nil
	}
	end := skip + take
	if end > len(summaries) {
		end = len(summaries)
	}
	return summaries[skip:end], nil
}

// HasAnyMessages reports whether at least one message exists. Used only for
// the first-run seeding decision.
func (s *BboltStorage) HasAnyMessages() (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketMessages)
		return root.ForEachBucket(func(k []byte) error {
			if fk, _ := root.Bucket(k).Cursor().First(); fk != nil {
				found = true
			}
			return nil
		})
	})
	return found, err
}

// AddUser upserts a user record keyed by the normalized userName. Create
// and update both stamp LastSeenAt and return the full up-to-date record.
func (s *BboltStorage) AddUser(userName, displayName, connectionID string) (models.User, error) {
	user := models.User{
		UserName:     models.NormalizeUserName(userName),
		DisplayName:  displayName,
		ConnectionID: connectionID,
		LastSeenAt:   s.now().UnixMilli(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := &DBUser{
			UserName:     user.UserName,
			DisplayName:  user.DisplayName,
			ConnectionID: user.ConnectionID,
			LastSeenAt:   user.LastSeenAt,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

// GetUser performs a case-insensitive lookup. Absent users surface as
// models.ErrNotFound, never as a storage failure.
func (s *BboltStorage) GetUser(userName string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(models.NormalizeUserName(userName)))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// ListUsers returns the privacy-filtered projection of every known user.
// Connection ids stay inside the storage boundary.
func (s *BboltStorage) ListUsers() ([]models.UserView, error) {
	var users []models.UserView
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel().View())
			return nil
		})
	})
	return users, err
}

// RemoveByConnection clears the live-connection binding of the user bound
// to connectionID and stamps LastSeenAt. The identity record persists;
// disconnecting removes presence, not identity.
func (s *BboltStorage) RemoveByConnection(connectionID string) error {
	if connectionID == "" {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var match *DBUser
		err := b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.ConnectionID == connectionID {
				match = &dbUser
			}
			return nil
		})
		if err != nil || match == nil {
			return err
		}

		match.ConnectionID = ""
		match.LastSeenAt = s.now().UnixMilli()
		data, err := match.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(match.Key(), data)
	})
}

func (m *DBMessage) toModel() models.Message {
	msg := models.Message{
		ID:              m.ID,
		ConversationKey: m.ConversationKey,
		From:            m.From,
		To:              m.To,
		Text:            m.Text,
		SentAt:          m.SentAt,
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			msg.Attachments[i] = models.Attachment{
				Type:     models.AttachmentType(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				FileID:   a.FileID,
			}
		}
	}
	return msg
}

func (u *DBUser) toModel() models.User {
	return models.User{
		UserName:     u.UserName,
		DisplayName:  u.DisplayName,
		ConnectionID: u.ConnectionID,
		LastSeenAt:   u.LastSeenAt,
	}
}
