package config

import (
	"path/filepath"
	"testing"
)

func TestLoad_ShippedConfigs(t *testing.T) {
	for _, name := range []string{"dev.yaml", "remote.yaml", "imu.yaml"} {
		if _, err := Load(filepath.Join("..", "..", "configs", name)); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
}
