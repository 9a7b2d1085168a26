// Package embedstore provides an embedded storage layer for media-analysis
// embeddings: a nearest-neighbor vector index, a durable metadata store,
// and resource quotas behind one add/search/get/delete contract.
//
// # Quick start
//
//	cfg, err := config.New(512, "./data/index.bin", "./data/metadata.json",
//	    func(c *config.Config) {
//	        c.IndexType = "hnsw"
//	        c.AutoSave = true
//	    })
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store, err := embedstore.New(cfg, embedstore.WithLogLevel(slog.LevelInfo))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close(ctx)
//
//	id, err := store.Add(ctx, vector, metastore.Record{
//	    Kind:            "frame",
//	    CreatedAt:       time.Now().Format(time.RFC3339),
//	    ProducerVersion: "clip-vit-b32@1.2",
//	}, "")
//
//	results, err := store.Search(ctx, query, 10,
//	    func(o *embedstore.SearchOptions) {
//	        o.Filter = metastore.KindEquals("frame")
//	    })
//
// # Index kinds
//
// Three index kinds sit behind the same contract:
//   - flat: exact linear scan, 100% recall
//   - hnsw: graph-approximate, fast at scale
//   - ivf: inverted-file approximate, trained on the first added batch
//
// Similarity is derived from squared L2 distance as 1/(1+distance); results
// arrive ordered by ascending distance.
//
// Multi-store deployments can share stores through the pool package and
// export metrics through the telemetry package.
package embedstore
