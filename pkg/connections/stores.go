package connections

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/tdbridge/pkg/config"
)

// DefaultEnvPrefix prefixes environment variables holding connection URIs.
const DefaultEnvPrefix = "TDBRIDGE_CONN_"

// fileFormat is the on-disk layout of a connections file.
type fileFormat struct {
	Connections map[string]*Connection `yaml:"connections"`
}

// FileStore resolves connections from a YAML file. The file is read once,
// on first use; ${VAR} references are substituted from the environment.
type FileStore struct {
	path string

	once  sync.Once
	conns map[string]*Connection
	err   error
}

// NewFileStore creates a store backed by the YAML file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() {
	s.once.Do(func() {
		var f fileFormat
		if err := config.Load(s.path, &f); err != nil {
			s.err = fmt.Errorf("connections file %s: %w", s.path, err)
			return
		}
		s.conns = make(map[string]*Connection, len(f.Connections))
		for id, c := range f.Connections {
			if c == nil {
				continue
			}
			c.ID = id
			s.conns[id] = c
		}
	})
}

// Get implements Resolver.
func (s *FileStore) Get(ctx context.Context, id string) (*Connection, error) {
	s.load()
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// IDs implements Lister.
func (s *FileStore) IDs() []string {
	s.load()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnvStore resolves connections from environment variables named
// Prefix + upper-cased id, each holding a connection URI.
type EnvStore struct {
	Prefix string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// Environ defaults to os.Environ.
	Environ func() []string
}

// NewEnvStore creates a store reading variables with the given prefix.
func NewEnvStore(prefix string) *EnvStore {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvStore{Prefix: prefix, LookupEnv: os.LookupEnv, Environ: os.Environ}
}

// VarName returns the environment variable consulted for id.
func (s *EnvStore) VarName(id string) string {
	return s.Prefix + strings.ToUpper(strings.Map(func(r rune) rune {
		if r == '-' || r == '.' || r == ' ' {
			return '_'
		}
		return r
	}, id))
}

// Get implements Resolver.
func (s *EnvStore) Get(ctx context.Context, id string) (*Connection, error) {
	lookup := s.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	raw, ok := lookup(s.VarName(id))
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, ErrNotFound
	}
	return ParseURI(id, strings.TrimSpace(raw))
}

// IDs implements Lister. Ids are reported in lower case.
func (s *EnvStore) IDs() []string {
	environ := s.Environ
	if environ == nil {
		environ = os.Environ
	}
	var ids []string
	for _, kv := range environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, s.Prefix) || name == s.Prefix {
			continue
		}
		ids = append(ids, strings.ToLower(strings.TrimPrefix(name, s.Prefix)))
	}
	sort.Strings(ids)
	return ids
}

// Default builds the standard chain: the connections file (when set)
// followed by the environment.
func Default(path, envPrefix string) Chain {
	var chain Chain
	if path != "" {
		chain = append(chain, NewFileStore(path))
	}
	return append(chain, NewEnvStore(envPrefix))
}
