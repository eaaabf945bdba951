package objectstore

import "testing"

func validConfig() Config {
	return Config{
		Endpoint:        "localhost:9000",
		AccessKey:       "clipforge",
		SecretKey:       "clipforgeminio",
		Region:          "us-east-1",
		BucketArtifacts: "pipeline-artifacts",
		BucketRenders:   "renders",
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := validConfig()
	cfg.Endpoint = "http://localhost:9000"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected scheme in endpoint rejected")
	}

	cfg = validConfig()
	cfg.BucketArtifacts = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing artifacts bucket rejected")
	}

	cfg = validConfig()
	cfg.SecretKey = " "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected blank secret rejected")
	}
}
