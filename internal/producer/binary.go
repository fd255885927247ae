package producer

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"assetweaver/internal/host"
	"assetweaver/internal/unit"
)

// Binary produces single-file binary outputs. The generator returns the raw
// bytes; a nil result means nothing was produced and nothing is written.
type Binary struct {
	FS     host.FS
	Notify host.Notifier
	Log    *zap.Logger
}

func (Binary) Kind() unit.Kind { return "binary" }
func (Binary) DefaultExtension() string { return ".bin" }
func (Binary) RequiresScratch(*unit.Unit) bool { return false }

func (Binary) Invoke(inv *unit.Invocation, u *unit.Unit) (any, error) {
	return u.Generate(inv)
}

func (p Binary) Save(res any, path string) (bool, error) {
	switch v := res.(type) {
	case nil:
		return false, nil
	case []byte:
		if err := p.FS.WriteFile(path, v); err != nil {
			return false, err
		}
		if p.Notify != nil {
			p.Notify.Changed(path)
		}
		return false, nil
	default:
		return false, errors.Newf("binary save at %s: unsupported value %T", path, res)
	}
}
