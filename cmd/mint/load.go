package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chazu/mint/imagestore"
	"github.com/chazu/mint/metadata"
	"github.com/chazu/mint/vm"
)

// ImageExt is the extension of encoded images written by build.
const ImageExt = ".mimg"

// program is a set of loaded images; the last one is the main image.
type program struct {
	loader *metadata.Loader
	images []*metadata.Image
}

func (p *program) main() *metadata.Image { return p.images[len(p.images)-1] }

// entry returns the entry point of the main image, or "" if it declares none.
func (p *program) entry() string { return p.loader.Entry(p.main().Name()) }

// loadProgram loads every path in order. TOML files are built from source,
// other files are decoded as encoded images, and "store:NAME" loads NAME from
// the image store at db.
func loadProgram(ctx context.Context, db string, paths []string) (*program, error) {
	p := &program{loader: metadata.NewLoader(nil)}
	var store *imagestore.Store
	defer func() {
		if store != nil {
			store.Close()
		}
	}()

	for _, path := range paths {
		var (
			img *metadata.Image
			err error
		)
		switch {
		case strings.HasPrefix(path, "store:"):
			if store == nil {
				if store, err = imagestore.Open(db); err != nil {
					return nil, err
				}
			}
			img, err = store.Load(ctx, p.loader, strings.TrimPrefix(path, "store:"))
		case filepath.Ext(path) == ".toml":
			img, err = p.loader.LoadFile(path)
		default:
			var data []byte
			if data, err = os.ReadFile(path); err != nil {
				return nil, fmt.Errorf("cannot read %s: %w", path, err)
			}
			img, err = p.loader.Decode(data)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		p.images = append(p.images, img)
	}
	if len(p.images) == 0 {
		return nil, fmt.Errorf("no images given")
	}
	return p, nil
}

// method resolves ref against the main image, falling back to its entry
// point when ref is empty.
func (p *program) method(ref string) (*metadata.Method, error) {
	if ref == "" {
		ref = p.entry()
	}
	if ref == "" {
		return nil, fmt.Errorf("image %s has no entry point; pass --method", p.main().Name())
	}
	return p.main().Method(ref)
}

// parseArgs converts command-line strings to values of the slot kinds the
// method's arguments take.
func parseArgs(m *vm.Method, raw []string) ([]vm.Value, error) {
	if len(raw) != m.NumArgs {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", vm.ErrArgumentCount, m.Name(), m.NumArgs, len(raw))
	}
	args := make([]vm.Value, len(raw))
	for i, s := range raw {
		switch k := m.SlotKinds[i]; k {
		case vm.KindI4:
			n, err := strconv.ParseInt(s, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			args[i] = vm.I4(int32(n))
		case vm.KindI8:
			n, err := strconv.ParseInt(s, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			args[i] = vm.I8(n)
		case vm.KindR8:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			args[i] = vm.R8(f)
		default:
			args[i] = vm.FromRef(vm.NewString(m.Manager.Context(), s))
		}
	}
	return args, nil
}
