package manifest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Editor applies structural service edits to a manifest. Edits keep key order
// and comments, and every successful edit invalidates the cache. New service
// names are validated before the file is read.
type Editor struct {
	loader  *Loader
	backups *Backups
}

type EditorOption func(*Editor)

// WithBackups copies the manifest into b before each edit is written.
func WithBackups(b *Backups) EditorOption {
	return func(e *Editor) { e.backups = b }
}

func NewEditor(loader *Loader, opts ...EditorOption) *Editor {
	e := &Editor{loader: loader}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewService adds an empty service called name.
func (e *Editor) NewService(ctx context.Context, path, name string) error {
	if err := ValidateServiceName(name); err != nil {
		return err
	}
	return e.edit(ctx, path, "new_service", name, func(services *yaml.Node) error {
		if lookup(services, name) >= 0 {
			return errors.Wrapf(ErrServiceExists, "%q", name)
		}
		services.Content = append(services.Content, scalar(name), &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"})
		return nil
	})
}

// RemoveService deletes the service called name.
func (e *Editor) RemoveService(ctx context.Context, path, name string) error {
	return e.edit(ctx, path, "remove_service", name, func(services *yaml.Node) error {
		i := lookup(services, name)
		if i < 0 {
			return errors.Wrapf(ErrServiceNotFound, "%q", name)
		}
		services.Content = append(services.Content[:i], services.Content[i+2:]...)
		return nil
	})
}

// RenameService renames from to to in place.
func (e *Editor) RenameService(ctx context.Context, path, from, to string) error {
	if err := ValidateServiceName(to); err != nil {
		return err
	}
	return e.edit(ctx, path, "rename_service", from, func(services *yaml.Node) error {
		i := lookup(services, from)
		if i < 0 {
			return errors.Wrapf(ErrServiceNotFound, "%q", from)
		}
		if lookup(services, to) >= 0 {
			return errors.Wrapf(ErrServiceExists, "%q", to)
		}
		services.Content[i].Value = to
		return nil
	})
}

// DuplicateService copies from as a new service called to, placed right after
// the original. A container_name in the copy is replaced by to.
func (e *Editor) DuplicateService(ctx context.Context, path, from, to string) error {
	if err := ValidateServiceName(to); err != nil {
		return err
	}
	return e.edit(ctx, path, "duplicate_service", from, func(services *yaml.Node) error {
		i := lookup(services, from)
		if i < 0 {
			return errors.Wrapf(ErrServiceNotFound, "%q", from)
		}
		if lookup(services, to) >= 0 {
			return errors.Wrapf(ErrServiceExists, "%q", to)
		}
		body := deepCopy(services.Content[i+1])
		if body.Kind == yaml.MappingNode {
			if j := lookup(body, "container_name"); j >= 0 {
				body.Content[j+1] = scalar(to)
			}
		}
		tail := append([]*yaml.Node{scalar(to), body}, services.Content[i+2:]...)
		services.Content = append(services.Content[:i+2], tail...)
		return nil
	})
}

// Backups lists the saved copies of path, newest first.
func (e *Editor) Backups(path string) ([]Backup, error) {
	if e.backups == nil {
		return nil, ErrBackupsDisabled
	}
	return e.backups.List(path)
}

// RestoreBackup puts a saved copy back in place of path and returns the copy
// used. An empty backup or LatestBackup picks the newest copy. The current
// content is itself backed up first.
func (e *Editor) RestoreBackup(ctx context.Context, path, backup string) (string, error) {
	if e.backups == nil {
		return "", ErrBackupsDisabled
	}
	if backup == "" || backup == LatestBackup {
		list, err := e.backups.List(path)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "", errors.Wrapf(ErrNoBackups, "for %s", path)
		}
		backup = list[0].Path
	}
	if !filepath.IsAbs(backup) && filepath.Dir(backup) == "." {
		backup = filepath.Join(e.backups.dir, backup)
	}
	data, err := os.ReadFile(backup)
	if err != nil {
		return "", errors.Wrapf(ErrNoBackups, "%s", err)
	}
	// read before backing up: pruning may remove the copy being restored
	e.backup(path, "restore", "")
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	e.loader.Invalidate(ctx)
	return backup, nil
}

func (e *Editor) edit(ctx context.Context, path, operation, service string, fn func(services *yaml.Node) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return errors.Wrapf(ErrNoServices, "%s", path)
	}
	top := root.Content[0]
	i := lookup(top, "services")
	if i < 0 || top.Content[i+1].Kind != yaml.MappingNode {
		return errors.Wrapf(ErrNoServices, "%s", path)
	}
	if err := fn(top.Content[i+1]); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return errors.Wrapf(err, "encoding %s", path)
	}
	if err := enc.Close(); err != nil {
		return errors.Wrapf(err, "encoding %s", path)
	}
	e.backup(path, operation, service)
	if err := writeFile(path, buf.Bytes()); err != nil {
		return err
	}
	e.loader.Invalidate(ctx)
	return nil
}

// backup saves the current manifest. A failed backup does not stop the edit.
func (e *Editor) backup(path, operation, service string) {
	if e.backups == nil {
		return
	}
	dst, err := e.backups.Create(path, operation, service)
	if err != nil {
		e.loader.log.Warn("continuing without backup: %s", err)
		return
	}
	e.loader.log.Info("backup created: %s", dst)
}

// writeFile replaces path atomically, keeping its permissions.
func writeFile(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "replacing %s", path)
}

// lookup returns the index of key's key node in a mapping, or -1.
func lookup(mapping *yaml.Node, key string) int {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func deepCopy(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	c := *n
	// aliases in the copy keep pointing at the original anchors
	c.Anchor = ""
	c.Content = make([]*yaml.Node, len(n.Content))
	for i, child := range n.Content {
		c.Content[i] = deepCopy(child)
	}
	return &c
}
