package config

import "testing"

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			Identifier:             "10.0.0.1",
			LocalASN:               65001,
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Listen: ListenConfig{
			Addresses: []string{":179"},
		},
		Neighbors: []NeighborConfig{
			{
				Address:         "192.0.2.1",
				Port:            179,
				RemoteASN:       65002,
				HoldTimeSeconds: 90,
				Families:        []string{"ipv4-unicast"},
			},
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoIdentifier(t *testing.T) {
	cfg := validConfig()
	cfg.Service.Identifier = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty identifier")
	}
}

func TestValidate_BadIdentifier(t *testing.T) {
	cfg := validConfig()
	cfg.Service.Identifier = "not-an-ip"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid identifier")
	}
}

func TestValidate_NoLocalASN(t *testing.T) {
	cfg := validConfig()
	cfg.Service.LocalASN = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing local_asn")
	}
}

func TestValidate_NoListenAddresses(t *testing.T) {
	cfg := validConfig()
	cfg.Listen.Addresses = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty listen addresses")
	}
}

func TestValidate_NoNeighbors(t *testing.T) {
	cfg := validConfig()
	cfg.Neighbors = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for no neighbors")
	}
}

func TestValidate_DuplicateNeighbor(t *testing.T) {
	cfg := validConfig()
	cfg.Neighbors = append(cfg.Neighbors, cfg.Neighbors[0])
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate neighbor")
	}
}

func TestValidate_UnknownFamily(t *testing.T) {
	cfg := validConfig()
	cfg.Neighbors[0].Families = []string{"not-a-family"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown family")
	}
}

func TestValidate_BadAddPathDirection(t *testing.T) {
	cfg := validConfig()
	cfg.Neighbors[0].AddPathFamilies = map[string]string{"ipv4-unicast": "sideways"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bad add-path direction")
	}
}

func TestValidate_ProcessMissingCommand(t *testing.T) {
	cfg := validConfig()
	cfg.Processes = []ProcessConfig{{Name: "collector"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for process with no command")
	}
}

func TestValidate_ProcessBadEncoder(t *testing.T) {
	cfg := validConfig()
	cfg.Processes = []ProcessConfig{{Name: "collector", Command: []string{"/bin/cat"}, Encoder: "xml"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown encoder")
	}
}

func TestValidate_PostgresEnabledNoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.Postgres = PostgresConfig{Enabled: true, MaxConns: 10}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for enabled postgres sink with no DSN")
	}
}

func TestValidate_KafkaEnabledNoBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.Kafka = KafkaConfig{Enabled: true, Topic: "bgp-events"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for enabled kafka sink with no brokers")
	}
}

func TestValidate_RetentionDaysZero(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Days = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retention.days = 0")
	}
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "Nowhere/Imaginary"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestToPeerConfig_StampsRouterIdentity(t *testing.T) {
	cfg := validConfig()
	pc, err := cfg.ToPeerConfig(cfg.Neighbors[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pc.LocalASN != cfg.Service.LocalASN {
		t.Fatalf("expected local ASN %d, got %d", cfg.Service.LocalASN, pc.LocalASN)
	}
	want := [4]byte{10, 0, 0, 1}
	if pc.Identifier != want {
		t.Fatalf("expected identifier %v, got %v", want, pc.Identifier)
	}
	if len(pc.Families) != 1 {
		t.Fatalf("expected 1 family, got %d", len(pc.Families))
	}
}

func TestToProcessSpec_DefaultsToTextEncoder(t *testing.T) {
	cfg := validConfig()
	spec := cfg.ToProcessSpec(ProcessConfig{Name: "collector", Command: []string{"/bin/cat"}})
	if spec.Encoder != 0 {
		t.Fatalf("expected default encoder to be EncoderText (0), got %d", spec.Encoder)
	}
}
