// Package topology pins the engine version in the compose descriptor.
package topology

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fly-io/pgupgrade/pkg/errors"
)

// BackupSuffix is appended to the descriptor path for the pre-change copy
const BackupSuffix = ".bak"

type composeFile struct {
	Services map[string]struct {
		Image string `yaml:"image"`
	} `yaml:"services"`
}

// Configurator mutates the version pin of one image in the descriptor
type Configurator struct {
	path    string
	image   string
	service string
	pin     *regexp.Regexp
}

// NewConfigurator targets image (e.g. "postgres") in the descriptor at path.
// service, when set, selects the compose service both CurrentVersion and
// SetVersion work on.
func NewConfigurator(path, image, service string) *Configurator {
	return &Configurator{
		path:    path,
		image:   image,
		service: service,
		pin:     regexp.MustCompile(`(image:\s*["']?` + regexp.QuoteMeta(image) + `:)([A-Za-z0-9_.]+)`),
	}
}

// Path returns the descriptor path
func (c *Configurator) Path() string { return c.path }

// BackupPath returns where the pre-change copy is kept
func (c *Configurator) BackupPath() string { return c.path + BackupSuffix }

// CurrentVersion returns the version the descriptor pins for the image
func (c *Configurator) CurrentVersion() (string, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return "", errors.WithKind(errors.Wrap(err, "failed to read descriptor"), errors.KindNotFound)
	}

	var compose composeFile
	if err := yaml.Unmarshal(data, &compose); err != nil {
		return "", errors.Wrap(err, "failed to parse descriptor")
	}

	for name, svc := range compose.Services {
		if c.service != "" && name != c.service {
			continue
		}
		repo, tag, ok := strings.Cut(svc.Image, ":")
		if !ok || repo != c.image {
			continue
		}
		// Keep only the version token, dropping variant suffixes like -alpine
		if i := strings.IndexAny(tag, "-@"); i >= 0 {
			tag = tag[:i]
		}
		return tag, nil
	}
	return "", errors.Newf(errors.KindNotFound, "no %s image pinned in %s", c.image, c.path)
}

// SetVersion copies the descriptor to its .bak sibling, then rewrites the
// version pin. Either both writes land or the descriptor is left unchanged
// and a ConfigWriteFailed error is returned.
func (c *Configurator) SetVersion(version string) error {
	slog.Info("descriptor_set_version", "path", c.path, "image", c.image, "version", version)

	info, err := os.Stat(c.path)
	if err != nil {
		return c.fail(err, "failed to stat descriptor")
	}
	original, err := os.ReadFile(c.path)
	if err != nil {
		return c.fail(err, "failed to read descriptor")
	}

	updated, err := c.rewritePin(original, version)
	if err != nil {
		slog.Error("descriptor_pin_not_found", "path", c.path, "image", c.image, "service", c.service, "error", err)
		return err
	}

	var check composeFile
	if err := yaml.Unmarshal(updated, &check); err != nil {
		return c.fail(err, "rewritten descriptor is not valid YAML")
	}

	if err := writeFileAtomic(c.BackupPath(), original, info.Mode().Perm()); err != nil {
		return c.fail(err, "failed to write descriptor backup")
	}
	if err := writeFileAtomic(c.path, updated, info.Mode().Perm()); err != nil {
		return c.fail(err, "failed to write descriptor")
	}

	slog.Info("descriptor_updated", "path", c.path, "version", version, "backup", c.BackupPath())
	return nil
}

// rewritePin replaces the version on the image line of the configured
// service. Without a service the descriptor must hold exactly one pin.
func (c *Configurator) rewritePin(data []byte, version string) ([]byte, error) {
	replacement := []byte("${1}" + version)

	if c.service == "" {
		switch n := len(c.pin.FindAllIndex(data, -1)); {
		case n == 0:
			return nil, errors.Newf(errors.KindConfigWriteFailed, "no %s version pin found in %s", c.image, c.path)
		case n > 1:
			return nil, errors.Newf(errors.KindConfigWriteFailed, "%d %s version pins in %s; set the compose service", n, c.image, c.path)
		}
		return c.pin.ReplaceAll(data, replacement), nil
	}

	line, err := c.imageLine(data)
	if err != nil {
		return nil, err
	}
	lines := bytes.SplitAfter(data, []byte("\n"))
	if line < 1 || line > len(lines) || len(c.pin.FindAllIndex(lines[line-1], -1)) != 1 {
		return nil, errors.Newf(errors.KindConfigWriteFailed, "service %s in %s does not pin %s", c.service, c.path, c.image)
	}
	lines[line-1] = c.pin.ReplaceAll(lines[line-1], replacement)
	return bytes.Join(lines, nil), nil
}

// imageLine returns the 1-based line of services.<service>.image
func (c *Configurator) imageLine(data []byte) (int, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, errors.WithKind(errors.Wrap(err, "failed to parse descriptor"), errors.KindConfigWriteFailed)
	}
	var root *yaml.Node
	if len(doc.Content) > 0 {
		root = doc.Content[0]
	}
	image := mappingValue(mappingValue(mappingValue(root, "services"), c.service), "image")
	if image == nil || image.Kind != yaml.ScalarNode {
		return 0, errors.Newf(errors.KindConfigWriteFailed, "service %s has no image in %s", c.service, c.path)
	}
	return image.Line, nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func (c *Configurator) fail(err error, context string) error {
	slog.Error("descriptor_write_failed", "path", c.path, "reason", context, "error", err)
	return errors.WithKind(errors.Wrap(err, context), errors.KindConfigWriteFailed)
}

// writeFileAtomic replaces path with data through a synced temp file and rename
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
