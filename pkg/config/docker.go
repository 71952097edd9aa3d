package config

import (
	"os"
	"sync"
)

// dockerEnvFile exists inside every Docker container.
var dockerEnvFile = "/.dockerenv"

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether the navigator itself runs in a
// container. The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat(dockerEnvFile)
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker rewrites a loopback connection host to
// host.docker.internal when running in a container, so a saved connection
// to "localhost" still reaches a database on the host machine. Other hosts
// are returned unchanged.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, inDocker bool) string {
	if !inDocker {
		return host
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return "host.docker.internal"
	}
	return host
}
