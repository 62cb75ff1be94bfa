package ports

import "context"

// PreferencesRepository persists the encoded preferences envelope as an
// opaque blob. Load reports ok=false when nothing has been stored yet.
type PreferencesRepository interface {
	Load(ctx context.Context) (payload []byte, ok bool, err error)
	Save(ctx context.Context, payload []byte) error
	Clear(ctx context.Context) error
}
