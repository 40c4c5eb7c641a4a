package compiler

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
)

const buildNamespace = "director-build"

// ContainerdBuilder validates an environment definition by pulling its
// base image, running the prerequisite commands inside a disposable
// container, and tagging the result, mirroring the teacher's
// ContainerdRuntime pull/create/start/stop sequence but collapsed into a
// single build step instead of a long-lived workload container.
type ContainerdBuilder struct {
	client *containerd.Client
}

// NewContainerdBuilder connects to the containerd socket at socketPath.
func NewContainerdBuilder(socketPath string) (*ContainerdBuilder, error) {
	if socketPath == "" {
		socketPath = "/run/containerd/containerd.sock"
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("compiler: connect containerd: %w", err)
	}
	return &ContainerdBuilder{client: client}, nil
}

// Close releases the containerd client connection.
func (b *ContainerdBuilder) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// Build pulls spec.BaseImage, runs spec.Commands inside a throwaway
// container to validate the environment is constructible, then creates an
// image record spec.Tag that points at the base image via the image
// service; the commands' filesystem changes are not committed into it.
func (b *ContainerdBuilder) Build(ctx context.Context, spec BuildSpec) (BuildOutcome, error) {
	ctx = namespaces.WithNamespace(ctx, buildNamespace)

	image, err := b.client.Pull(ctx, spec.BaseImage, containerd.WithPullUnpack)
	if err != nil {
		return BuildOutcome{}, fmt.Errorf("compiler: pull base image %s: %w", spec.BaseImage, err)
	}

	id := "build-" + uuid.NewString()
	var log []string
	for _, cmdline := range spec.Commands {
		out, err := b.runOne(ctx, id, image, cmdline)
		log = append(log, fmt.Sprintf("$ %s\n%s", cmdline, out))
		if err != nil {
			return BuildOutcome{Log: log}, fmt.Errorf("compiler: command %q failed: %w", cmdline, err)
		}
	}

	// Tag the validated base image under the compilation's image tag;
	// a full OCI layer-diff/commit pipeline is out of scope here (the
	// build runtime is an external collaborator per the platform's own
	// interface boundary).
	_, err = b.client.ImageService().Create(ctx, images.Image{
		Name:      spec.Tag,
		Target:    image.Target(),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return BuildOutcome{Log: log}, fmt.Errorf("compiler: tag image %s: %w", spec.Tag, err)
	}

	return BuildOutcome{ImageTag: spec.Tag, Log: log}, nil
}

func (b *ContainerdBuilder) runOne(ctx context.Context, containerID string, image containerd.Image, cmdline string) (string, error) {
	container, err := b.client.NewContainer(ctx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(oci.WithImageConfig(image), oci.WithProcessArgs("/bin/sh", "-c", cmdline)),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	defer container.Delete(ctx, containerd.WithSnapshotCleanup)

	var stdout bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stdout)))
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	defer task.Delete(ctx)

	statusC, err := task.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("wait task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("start task: %w", err)
	}

	select {
	case status := <-statusC:
		if status.ExitCode() != 0 {
			return stdout.String(), fmt.Errorf("exit code %d", status.ExitCode())
		}
		return stdout.String(), nil
	case <-ctx.Done():
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return stdout.String(), ctx.Err()
	case <-time.After(10 * time.Minute):
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return stdout.String(), fmt.Errorf("command timed out")
	}
}
