// Command schema prints the JSON schema of the host configuration file.
// With -out it writes the schema to a file; adding -check only reports
// whether that file is current.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"lockstepd/internal/config"
)

func main() {
	out := flag.String("out", "", "write the schema to this path instead of stdout")
	check := flag.Bool("check", false, "exit non-zero when -out is missing or stale")
	flag.Parse()

	doc, err := render()
	if err != nil {
		fail(err)
	}

	switch {
	case *out == "":
		os.Stdout.Write(doc)
	case *check:
		current, err := os.ReadFile(*out)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && !bytes.Equal(current, doc)) {
			fail(fmt.Errorf("%s is out of date; rerun without -check", *out))
		}
		if err != nil {
			fail(err)
		}
	default:
		if err := replaceFile(*out, doc); err != nil {
			fail(err)
		}
	}
}

func render() ([]byte, error) {
	r := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := r.Reflect(new(config.Config))
	schema.Title = "lockstepd host configuration"
	schema.Description = "JSON file accepted by the server's -config flag. LOCKSTEP_* environment variables override it."

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return append(data, '\n'), nil
}

// replaceFile writes next to path and renames so readers never see a
// partial schema.
func replaceFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".schema-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "schema:", err)
	os.Exit(1)
}
