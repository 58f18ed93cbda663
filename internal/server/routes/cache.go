package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/talintel/sitecache/internal/cache"
	"github.com/talintel/sitecache/internal/worker"
)

// RegisterCacheRoutes 暴露 /-/cache 诊断接口，供运维查看当前版本与缓存代。
func RegisterCacheRoutes(app *fiber.App, controller *worker.Controller, storage cache.Storage) {
	if app == nil || controller == nil || storage == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		generations, err := ListGenerations(ctx, storage)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		payload := fiber.Map{
			"generations": generations,
		}
		if active := controller.Active(); active != nil {
			policy := active.Policy()
			payload["worker"] = workerPayload{
				Version:      active.Version(),
				State:        string(active.State()),
				Destinations: policy.Destinations(),
				Suffixes:     policy.Suffixes(),
			}
		}
		return c.JSON(payload)
	})

	app.Get("/-/cache/entries", func(c fiber.Ctx) error {
		active := controller.Active()
		if active == nil || active.Generation() == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_worker"})
		}
		keys, err := active.Generation().Keys(requestContext(c))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		if keys == nil {
			keys = []string{}
		}
		return c.JSON(fiber.Map{
			"version": active.Version(),
			"entries": keys,
		})
	})
}

type workerPayload struct {
	Version      string   `json:"version"`
	State        string   `json:"state"`
	Destinations []string `json:"cacheable_destinations"`
	Suffixes     []string `json:"cacheable_suffixes"`
}

// GenerationSummary 描述一个缓存代及其条目数。
type GenerationSummary struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// ListGenerations 列出存储中的全部缓存代，也供 CLI 的 -list-generations 复用。
// 只读：列举期间被激活清理掉的缓存代直接跳过，不会被重建。
func ListGenerations(ctx context.Context, storage cache.Storage) ([]GenerationSummary, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]GenerationSummary, 0, len(names))
	for _, name := range names {
		gen, err := storage.Lookup(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys, err := gen.Keys(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, GenerationSummary{Name: name, Entries: len(keys)})
	}
	return result, nil
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
