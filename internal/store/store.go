package store

import (
	"errors"

	"github.com/pliu/classchat/internal/models"
)

var (
	ErrDuplicateGroup = errors.New("group already exists")
	ErrUnknownGroup   = errors.New("group does not exist")
	// ErrUnavailable marks failures of the underlying database. The server treats it as fatal.
	ErrUnavailable = errors.New("storage unavailable")
)

type Store interface {
	// User operations
	CreateUserIfAbsent(username string) error
	UserExists(username string) (bool, error)
	ListUsers() ([]models.User, error)

	// Message history
	RecordMessage(sender, receiver string, kind models.Kind, content string) error
	RecordGroupMessage(sender, group string, kind models.Kind, content string) error
	ConversationHistory(user, peer string, limit int) ([]models.Message, error)
	GroupHistory(group string, limit int) ([]models.Message, error)

	// Offline queue
	EnqueueOffline(msg models.OfflineMessage) error
	DrainOffline(receiver string) ([]models.OfflineMessage, error)
	PendingOffline(receiver string) (int, error)

	// Group operations
	CreateGroup(name, creator string) error
	GroupExists(name string) (bool, error)
	AddMember(group, username string) error
	IsMember(group, username string) (bool, error)
	ListMembers(group string) ([]string, error)
	ListGroups() ([]models.Group, error)

	Close() error
}
