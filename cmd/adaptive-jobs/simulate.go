package main

import (
	"context"
	"fmt"
	"time"

	jobs "github.com/jdziat/adaptive-jobs"
	"github.com/jdziat/adaptive-jobs/pkg/cache"
)

// Face kinds borrow a model from the cache; frame kinds need none.
var simulatedModels = map[jobs.Kind]string{
	jobs.KindFaceDetect:   "model/detector",
	jobs.KindFaceSwap:     "model/swapper",
	jobs.KindFaceEnhance:  "model/enhancer",
	jobs.KindFrameAnalyze: "model/detector",
}

const (
	simulatedModelSize = 64 << 20
	simulatedLoadTime  = 200 * time.Millisecond
	simulatedFrames    = 10
)

type simulatedModel struct {
	name     string
	loadedAt time.Time
}

// registerSimulated binds a sleeping engine to every kind.
func registerSimulated(sys *jobs.System, work time.Duration) error {
	for _, kind := range jobs.Kinds() {
		h := jobs.Handler{Engine: simulatedEngine(kind, work)}
		if key, ok := simulatedModels[kind]; ok {
			h.Resources = []jobs.ResourceSpec{{Key: key, Factory: loadSimulatedModel(key)}}
		}
		if err := sys.Register(kind, h); err != nil {
			return fmt.Errorf("register %s: %w", kind, err)
		}
	}
	return nil
}

func loadSimulatedModel(key string) cache.Factory {
	return func(ctx context.Context) (cache.Resource, error) {
		select {
		case <-time.After(simulatedLoadTime):
		case <-ctx.Done():
			return cache.Resource{}, ctx.Err()
		}
		return cache.Resource{
			Value:     &simulatedModel{name: key, loadedAt: time.Now()},
			SizeBytes: simulatedModelSize,
		}, nil
	}
}

func simulatedEngine(kind jobs.Kind, work time.Duration) jobs.EngineFunc {
	return func(ctx context.Context, job *jobs.Job, res jobs.Resources) (jobs.Result, error) {
		meta := map[string]string{"kind": string(kind)}
		if key, ok := simulatedModels[kind]; ok {
			v, ok := res.Get(key)
			if !ok {
				return jobs.Result{}, jobs.NoRetry(fmt.Errorf("model %s not borrowed", key))
			}
			meta["model"] = v.(*simulatedModel).name
		}

		frame := work / simulatedFrames
		for i := 0; i < simulatedFrames; i++ {
			if err := jobs.Checkpoint(ctx); err != nil {
				return jobs.Result{}, err
			}
			time.Sleep(frame)
		}
		return jobs.Result{OutputRef: "sim/" + job.ID, Metadata: meta}, nil
	}
}
