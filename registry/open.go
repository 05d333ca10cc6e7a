package registry

import (
	"fmt"

	"go.uber.org/zap"
)

// Open builds the backend named by kind: "consul", "etcd" or "memory".
func Open(kind, consulAddr string, etcdEndpoints []string, logger *zap.Logger) (Registry, error) {
	switch kind {
	case "consul":
		r, err := NewConsulRegistry(consulAddr, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "etcd":
		r, err := NewEtcdRegistry(endpointsOrDefault(etcdEndpoints), logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "memory":
		return NewMemoryRegistry(), nil
	}
	return nil, fmt.Errorf("registry: unknown backend %q", kind)
}

func endpointsOrDefault(eps []string) []string {
	if len(eps) == 0 {
		return []string{"localhost:2379"}
	}
	return eps
}
