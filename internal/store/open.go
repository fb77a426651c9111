package store

import (
	"context"
	"fmt"
)

type Options struct {
	// Driver is "memory" or "sqlite".
	Driver string
	Path   string
	// SealSecret, when set, seals room keys written by the sqlite backend.
	SealSecret string
}

func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		var sqliteOpts []SQLiteOption
		if opts.SealSecret != "" {
			sealer, err := NewKeySealer(opts.SealSecret)
			if err != nil {
				return nil, err
			}
			sqliteOpts = append(sqliteOpts, WithKeySealer(sealer))
		}
		return OpenSQLite(ctx, opts.Path, sqliteOpts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
