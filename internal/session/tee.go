package session

// TeeBackend writes every record to a primary backend and a local mirror.
// Loads prefer the primary and fall back to the mirror, so the session
// survives a primary outage with whatever the mirror last saw.
type TeeBackend struct {
	primary Backend
	mirror  Backend
}

// NewTeeBackend composes a primary backend with a best-effort mirror.
func NewTeeBackend(primary, mirror Backend) *TeeBackend {
	return &TeeBackend{primary: primary, mirror: mirror}
}

func (b *TeeBackend) Save(key string, value []byte) error {
	errPrimary := b.primary.Save(key, value)
	if errMirror := b.mirror.Save(key, value); errPrimary == nil {
		errPrimary = errMirror
	}
	return errPrimary
}

func (b *TeeBackend) Load(key string) ([]byte, bool, error) {
	if value, ok, err := b.primary.Load(key); err == nil && ok {
		return value, true, nil
	}
	return b.mirror.Load(key)
}

func (b *TeeBackend) Remove(key string) error {
	errPrimary := b.primary.Remove(key)
	if errMirror := b.mirror.Remove(key); errPrimary == nil {
		errPrimary = errMirror
	}
	return errPrimary
}
