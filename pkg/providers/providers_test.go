package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/terradev/terradev/pkg/config"
	"github.com/terradev/terradev/pkg/engine"
)

func TestRegistry(t *testing.T) {
	t.Run("RoutesByProvider", func(t *testing.T) {
		reg := NewRegistry(nil, nil)
		aws := NewMemoryClient("aws")
		runpod := NewMemoryClient("runpod")
		if err := reg.Register("aws", aws); err != nil {
			t.Fatalf("Failed to register: %v", err)
		}
		if err := reg.Register("runpod", runpod); err != nil {
			t.Fatalf("Failed to register: %v", err)
		}

		inst, err := reg.Create(context.Background(), "runpod", engine.InstanceSpec{Job: "train1", GPUs: 4, GPUType: "A100", Region: "eu"})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if inst.Provider != "runpod" || inst.ID == "" {
			t.Errorf("Unexpected instance %+v", inst)
		}
		if len(aws.Instances()) != 0 || len(runpod.Instances()) != 1 {
			t.Error("Expected the instance on runpod only")
		}

		live, err := reg.ListInstances(context.Background(), "runpod", "train1")
		if err != nil || len(live) != 1 {
			t.Fatalf("Expected one live instance, got %v, %v", live, err)
		}

		if err := reg.Terminate(context.Background(), "runpod", inst.ID); err != nil {
			t.Fatalf("Terminate failed: %v", err)
		}
		if len(runpod.Instances()) != 0 {
			t.Error("Expected instance to be terminated")
		}

		if got := reg.Names(); len(got) != 2 || got[0] != "aws" || got[1] != "runpod" {
			t.Errorf("Unexpected names %v", got)
		}
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		reg := NewRegistry(nil, nil)
		_, err := reg.ListInstances(context.Background(), "gcp", "")
		if !engine.IsNotFound(err) {
			t.Errorf("Expected not found, got %v", err)
		}
	})

	t.Run("DuplicateRegistration", func(t *testing.T) {
		reg := NewRegistry(nil, nil)
		_ = reg.Register("aws", NewMemoryClient("aws"))
		if err := reg.Register("aws", NewMemoryClient("aws")); err == nil {
			t.Error("Expected duplicate registration to fail")
		}
		if err := reg.Register("", NewMemoryClient("x")); err == nil {
			t.Error("Expected empty name to fail")
		}
	})

	t.Run("StampsJobOnUntaggedInstances", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"instances": []map[string]interface{}{
						{"instance_id": "p1", "status": "running", "gpus": 8, "gpu_type": "A100", "region": "us-east-1"},
					},
				})
			case http.MethodPost:
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"instance_id": "p2", "status": "pending", "gpus": 8})
			}
		}))
		defer server.Close()

		reg := NewRegistry(nil, nil)
		_ = reg.Register("lambda", NewHTTPClient(server.URL, "", time.Second))

		live, err := reg.ListInstances(context.Background(), "lambda", "train1")
		if err != nil || len(live) != 1 {
			t.Fatalf("Expected one live instance, got %v, %v", live, err)
		}
		if live[0].Job != "train1" || live[0].Provider != "lambda" {
			t.Errorf("Expected job and provider stamped, got %+v", live[0])
		}

		all, err := reg.ListInstances(context.Background(), "lambda", "")
		if err != nil || len(all) != 1 || all[0].Job != "" {
			t.Errorf("Expected an unscoped listing to stay untagged, got %+v, %v", all, err)
		}

		inst, err := reg.Create(context.Background(), "lambda", engine.InstanceSpec{Job: "train1", GPUs: 8})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if inst.Job != "train1" || inst.Provider != "lambda" {
			t.Errorf("Expected job and provider stamped, got %+v", inst)
		}
	})

	t.Run("WrapsErrors", func(t *testing.T) {
		reg := NewRegistry(nil, nil)
		mem := NewMemoryClient("aws")
		mem.SetError(OpList, errors.New("boom"))
		_ = reg.Register("aws", mem)

		_, err := reg.ListInstances(context.Background(), "aws", "train1")
		if engine.CodeOf(err) != engine.ErrCodeProviderFailed || !engine.IsTransient(err) {
			t.Errorf("Expected transient PROVIDER_FAILED, got %v", err)
		}

		err = reg.Terminate(context.Background(), "aws", "nope")
		if !engine.IsNotFound(err) {
			t.Errorf("Expected NOT_FOUND to survive wrapping, got %v", err)
		}
	})
}

func TestMemoryClient(t *testing.T) {
	t.Run("FiltersByJob", func(t *testing.T) {
		mem := NewMemoryClient("aws")
		mem.Seed(
			engine.LiveInstance{ID: "p1", Job: "train1"},
			engine.LiveInstance{ID: "p2", Job: "other"},
			engine.LiveInstance{ID: "p3"},
		)

		live, _ := mem.ListInstances(context.Background(), "train1")
		if len(live) != 1 || live[0].ID != "p1" {
			t.Errorf("Expected only p1, got %+v", live)
		}
		all, _ := mem.ListInstances(context.Background(), "")
		if len(all) != 3 {
			t.Errorf("Expected 3 instances, got %d", len(all))
		}
		if mem.Calls(OpList) != 2 {
			t.Errorf("Expected 2 list calls, got %d", mem.Calls(OpList))
		}
	})

	t.Run("FreshIDs", func(t *testing.T) {
		mem := NewMemoryClient("aws")
		mem.Seed(engine.LiveInstance{ID: "aws-1"})

		inst, err := mem.Create(context.Background(), engine.InstanceSpec{Job: "train1"})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if inst.ID == "aws-1" {
			t.Error("Expected a fresh id")
		}
	})

	t.Run("DelayHonorsContext", func(t *testing.T) {
		mem := NewMemoryClient("aws")
		mem.SetDelay(time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := mem.ListInstances(ctx, "")
		if !engine.IsTimeout(err) {
			t.Errorf("Expected timeout, got %v", err)
		}
	})

	t.Run("Update", func(t *testing.T) {
		mem := NewMemoryClient("aws")
		mem.Seed(engine.LiveInstance{ID: "p1", Status: "running"})
		if !mem.Update("p1", func(i *engine.LiveInstance) { i.Status = "stopped" }) {
			t.Fatal("Expected update to find p1")
		}
		if mem.Instances()[0].Status != "stopped" {
			t.Error("Expected status to change")
		}
		if mem.Update("p9", func(*engine.LiveInstance) {}) {
			t.Error("Expected update of unknown id to report false")
		}
	})
}

func TestHTTPClient(t *testing.T) {
	var deleted string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/instances":
			if r.URL.Query().Get("job") != "train1" {
				t.Errorf("Unexpected job query %q", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"instances": []map[string]interface{}{
					{"instance_id": "p1", "job": "train1", "status": "running", "gpus": 8, "gpu_type": "A100", "region": "us-east-1"},
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/instances":
			var spec engine.InstanceSpec
			if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"instance_id": "new-1", "job": spec.Job, "status": "pending", "gpus": spec.GPUs,
			})
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/instances/"):
			id := strings.TrimPrefix(r.URL.Path, "/instances/")
			if id == "missing" {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "no such instance"})
				return
			}
			deleted = id
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", "secret", time.Second)
	ctx := context.Background()

	live, err := client.ListInstances(ctx, "train1")
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(live) != 1 || live[0].ID != "p1" || live[0].GPUs != 8 {
		t.Errorf("Unexpected instances %+v", live)
	}

	inst, err := client.Create(ctx, engine.InstanceSpec{Job: "train1", GPUs: 2})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if inst.ID != "new-1" || inst.GPUs != 2 {
		t.Errorf("Unexpected instance %+v", inst)
	}

	if err := client.Terminate(ctx, "p1"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if deleted != "p1" {
		t.Errorf("Expected p1 to be deleted, got %q", deleted)
	}

	err = client.Terminate(ctx, "missing")
	if !engine.IsNotFound(err) || !strings.Contains(err.Error(), "no such instance") {
		t.Errorf("Expected NOT_FOUND with bridge message, got %v", err)
	}

	unauth := NewHTTPClient(server.URL, "", time.Second)
	if _, err := unauth.ListInstances(ctx, "train1"); err == nil {
		t.Error("Expected error without token")
	}
}

func TestStaticSource(t *testing.T) {
	doc := `
candidates:
  - provider: aws
    instance_type: p4d.24xlarge
    gpu_type: A100
    gpu_memory_gb: 40
    price_per_hour: 4.1
    availability: 0.999
    region: us-east-1
  - provider: runpod
    instance_type: a100-80g
    gpu_type: a100
    gpu_memory_gb: 80
    price_per_hour: 1.9
    region: us-east-1
  - provider: vastai
    instance_type: h100
    gpu_type: H100
    gpu_memory_gb: 80
    price_per_hour: 2.5
    region: eu-west-1
`
	path := filepath.Join(t.TempDir(), "candidates.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("Failed to write candidates: %v", err)
	}

	src, err := LoadStaticSource(path)
	if err != nil {
		t.Fatalf("Failed to load candidates: %v", err)
	}

	tests := []struct {
		name string
		req  engine.Requirements
		want []string
	}{
		{"no constraints", engine.Requirements{}, []string{"aws", "runpod", "vastai"}},
		{"gpu type case-insensitive", engine.Requirements{GPUType: "A100"}, []string{"aws", "runpod"}},
		{"region", engine.Requirements{Region: "eu-west-1"}, []string{"vastai"}},
		{"max price", engine.Requirements{MaxPricePerHour: 3}, []string{"runpod", "vastai"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := src.Candidates(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Candidates failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %+v", tt.want, got)
			}
			for i, p := range tt.want {
				if got[i].Provider != p {
					t.Errorf("Expected candidate %d from %s, got %s", i, p, got[i].Provider)
				}
			}
		})
	}

	all, _ := src.Candidates(context.Background(), engine.Requirements{})
	if all[0].Availability == nil || *all[0].Availability != 0.999 {
		t.Error("Expected availability to be decoded")
	}
	if all[1].Availability != nil {
		t.Error("Expected missing availability to stay nil")
	}
}

func TestParseCandidates(t *testing.T) {
	list := `[{"provider": "aws", "instance_type": "g5", "price_per_hour": 1.0}]`
	got, err := ParseCandidates([]byte(list))
	if err != nil || len(got) != 1 {
		t.Fatalf("Expected a bare JSON list to parse, got %v, %v", got, err)
	}

	invalid := `candidates: [{provider: aws, instance_type: g5, price_per_hour: -1}]`
	if _, err := ParseCandidates([]byte(invalid)); err == nil {
		t.Error("Expected negative price to fail validation")
	}

	badAvail := `candidates: [{provider: aws, instance_type: g5, availability: 1.5}]`
	if _, err := ParseCandidates([]byte(badAvail)); err == nil {
		t.Error("Expected availability above 1 to fail validation")
	}
}

func TestFromConfig(t *testing.T) {
	reg, err := FromConfig(map[string]config.ProviderConfig{
		"local": {Endpoint: "memory://local"},
		"aws":   {Endpoint: "https://bridge.example.com/aws", Token: "t"},
	}, nil, nil)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	local, err := reg.Get("local")
	if err != nil {
		t.Fatalf("Expected local provider: %v", err)
	}
	if _, ok := local.(*MemoryClient); !ok {
		t.Errorf("Expected a memory client, got %T", local)
	}

	aws, _ := reg.Get("aws")
	if _, ok := aws.(*HTTPClient); !ok {
		t.Errorf("Expected an HTTP client, got %T", aws)
	}
}
