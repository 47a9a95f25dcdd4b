package transport

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// DockerPreflight checks that the Docker daemon answers and image exists
// locally, so a missing image fails fast instead of hanging a pull
// behind `docker run -i`.
func DockerPreflight(image string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("docker client: %w", err)
		}
		defer cli.Close()

		if _, err := cli.Ping(ctx); err != nil {
			return fmt.Errorf("docker daemon not reachable: %w", err)
		}
		if _, _, err := cli.ImageInspectWithRaw(ctx, image); err != nil {
			if client.IsErrNotFound(err) {
				return fmt.Errorf("image %s not found locally", image)
			}
			return fmt.Errorf("inspect image %s: %w", image, err)
		}
		return nil
	}
}

// DockerVersion returns the daemon version, for diagnostics.
func DockerVersion(ctx context.Context) (string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	v, err := cli.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("docker not available: %w", err)
	}
	return v.Version, nil
}
