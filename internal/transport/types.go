// Package transport is the outbound chat contract used by the notifier and
// the reporting sink.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// IsZero reports whether the ref points at no message.
func (r MessageRef) IsZero() bool { return r.MessageID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
	Caption        string // images and documents only
}

// Transport sends messages to recipients. Failures are per-recipient and
// recoverable; callers decide whether to retry.
type Transport interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendImage(ctx context.Context, to ChatTarget, imagePath string, opt *SendOptions) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// DocumentSender is implemented by transports that can attach files.
type DocumentSender interface {
	SendDocument(ctx context.Context, to ChatTarget, name string, data []byte, opt *SendOptions) (MessageRef, error)
}
