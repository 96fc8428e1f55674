package workload

import "testing"

func validConfig() Config {
	return Config{
		SourceFileSize: 10 << 20,
		ReflinkCount:   100,
		ImageSize:      1 << 30,
		WriteSize:      4096,
		Concurrency:    []int{1, 2, 4, 8},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero file size", mutate: func(c *Config) { c.SourceFileSize = 0 }, wantErr: true},
		{name: "negative file size", mutate: func(c *Config) { c.SourceFileSize = -1 }, wantErr: true},
		{name: "zero count", mutate: func(c *Config) { c.ReflinkCount = 0 }, wantErr: true},
		{name: "zero write size", mutate: func(c *Config) { c.WriteSize = 0 }, wantErr: true},
		{
			name:    "image too small for CoW growth",
			mutate:  func(c *Config) { c.ImageSize = c.SourceFileSize },
			wantErr: true,
		},
		{
			name:   "image exactly at headroom",
			mutate: func(c *Config) { c.ImageSize = c.SourceFileSize * cowHeadroom },
		},
		{name: "no concurrency levels", mutate: func(c *Config) { c.Concurrency = nil }, wantErr: true},
		{
			name:    "zero concurrency level",
			mutate:  func(c *Config) { c.Concurrency = []int{0, 2} },
			wantErr: true,
		},
		{
			name:    "descending concurrency",
			mutate:  func(c *Config) { c.Concurrency = []int{4, 2} },
			wantErr: true,
		},
		{
			name:    "duplicate concurrency",
			mutate:  func(c *Config) { c.Concurrency = []int{2, 2} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
