package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleDescription = `
[pipeline]
name = "web"

[options]
retry = 1
timeout = "1h"
continue_on_failure = true
keep_runs = 5

[parameters.DEPLOY_ENV]
default = "staging"
choices = ["staging", "production"]

[environment]
IMAGE = "web:${GIT_COMMIT}"

[[stages]]
name = "Build"
retry = 2
steps = ["go build ./..."]
[stages.when]
any_of = [{ branch = "main" }, { changeset = "src/**" }]

[[stages]]
name = "Test"
[stages.matrix]
fail_fast = true
axes = [{ name = "OS", values = ["linux", "windows"] }]
exclude = [{ OS = "windows" }]
[[stages.matrix.stages]]
name = "unit"
steps = ["make test"]

[[stages]]
name = "Deploy"
steps = ["make deploy"]
[stages.input]
message = "Ship it?"
timeout = "30m"
submitters = ["alice"]

[post.always]
steps = ["echo done"]
[post.failure]
notify = ["chat"]
`

func TestParse(t *testing.T) {
	t.Parallel()

	d, err := Parse([]byte(sampleDescription), "pulsar.toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if d.Pipeline.Name != "web" {
		t.Errorf("name = %q, want web", d.Pipeline.Name)
	}
	if d.Options.Retry != 1 || !d.Options.ContinueOnFailure || d.Options.KeepRuns != 5 {
		t.Errorf("options = %+v", d.Options)
	}
	if got := d.Parameters["DEPLOY_ENV"].Default; got != "staging" {
		t.Errorf("DEPLOY_ENV default = %q", got)
	}
	if len(d.Stages) != 3 {
		t.Fatalf("len(stages) = %d, want 3", len(d.Stages))
	}

	build := d.Stages[0]
	if build.Retry == nil || *build.Retry != 2 {
		t.Errorf("build retry = %v, want 2", build.Retry)
	}
	anyOf, ok := build.When["any_of"].([]any)
	if !ok || len(anyOf) != 2 {
		t.Errorf("build when any_of = %#v", build.When["any_of"])
	}

	test := d.Stages[1]
	if test.Matrix == nil || len(test.Matrix.Axes) != 1 || len(test.Matrix.Stages) != 1 {
		t.Fatalf("matrix = %+v", test.Matrix)
	}
	if !test.Matrix.FailFast {
		t.Error("matrix fail_fast not decoded")
	}
	if test.Matrix.Exclude[0]["OS"] != "windows" {
		t.Errorf("exclude = %v", test.Matrix.Exclude)
	}

	deploy := d.Stages[2]
	if deploy.Input == nil || deploy.Input.Message != "Ship it?" || deploy.Input.Timeout != "30m" {
		t.Errorf("input = %+v", deploy.Input)
	}
	if d.Post.Always == nil || len(d.Post.Always.Steps) != 1 {
		t.Errorf("post.always = %+v", d.Post.Always)
	}
	if d.Post.Failure == nil || d.Post.Failure.Notify[0] != "chat" {
		t.Errorf("post.failure = %+v", d.Post.Failure)
	}
	if d.Post.Empty() {
		t.Error("Post.Empty() = true, want false")
	}
}

func TestParse_NameFallsBackToFileName(t *testing.T) {
	t.Parallel()

	d, err := Parse([]byte(`[[stages]]
name = "a"
steps = ["true"]
`), "/tmp/release.toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Pipeline.Name != "release" {
		t.Errorf("name = %q, want release", d.Pipeline.Name)
	}
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`[[stages]]
name = "a"
stepz = ["true"]
`), "bad.toml")
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "bad.toml") {
		t.Errorf("error should name the source: %v", err)
	}
}

func TestParse_InvalidTOML(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte("[[stages]\nname="), "broken.toml"); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := Load(filepath.Join(t.TempDir(), DefaultFile))
		if !errors.Is(err, ErrNoDescription) {
			t.Errorf("err = %v, want ErrNoDescription", err)
		}
	})

	t.Run("reads file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), DefaultFile)
		if err := os.WriteFile(path, []byte(sampleDescription), 0o644); err != nil {
			t.Fatal(err)
		}
		d, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if d.SourceFile != path {
			t.Errorf("SourceFile = %q, want %q", d.SourceFile, path)
		}
	})
}
