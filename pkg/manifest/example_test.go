package manifest_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rs/zerolog"

	"github.com/terradev/terradev/pkg/engine"
	"github.com/terradev/terradev/pkg/manifest"
	"github.com/terradev/terradev/pkg/stores"
)

// ExampleStore_Put demonstrates recording two versions and reading the latest back.
func ExampleStore_Put() {
	ctx := context.Background()
	repo, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer repo.Close()

	store := manifest.NewStore(repo, zerolog.Nop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, gpus := range []int{8, 16} {
		loc, err := store.Put(ctx, &engine.Manifest{
			Job:     "train1",
			Version: fmt.Sprintf("v%d", i+1),
			Nodes: []engine.ManifestNode{
				{Provider: "aws", PodID: "p1", GPUs: gpus, GPUType: "A100", Region: "us-east-1", Status: "running"},
			},
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(loc)
	}

	latest, err := store.Get(ctx, "train1", "")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(latest.Version, latest.Nodes[0].GPUs)

	// Output:
	// sqlite://:memory:#train1/v1
	// sqlite://:memory:#train1/v2
	// v2 16
}
