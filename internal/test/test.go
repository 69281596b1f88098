// Package test holds helpers shared by database-backed tests.
package test

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/meow-io/go-e2e/config"
	"github.com/meow-io/go-e2e/ids"
	db "github.com/meow-io/go-e2e/internal/db"
)

var testKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}
		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else if err := os.Remove(f); err != nil {
			panic(err)
		}
	}
}

// DBCleanup wraps m.Run and removes every database file the tests created.
func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("test-*")
	return c
}

func NewTestConfig(prefix string, opts ...config.Option) *config.Config {
	base := []config.Option{config.WithoutLogFile(), config.WithLoggingPrefix(prefix), config.WithRequestTimeoutMs(2000)}
	return config.NewConfig(append(base, opts...)...)
}

func NewTestDatabase(c *config.Config) *db.Database {
	id := ids.NewID()
	d, err := db.NewDatabase(c, fmt.Sprintf("test-%x", id[:8]))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(testKey); err != nil {
		panic(err)
	}
	if err := d.Open(testKey); err != nil {
		panic(err)
	}
	return d
}
