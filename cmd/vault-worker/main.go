package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-vault-worker/config"
	"github.com/saiset-co/sai-vault-worker/logger"
	"github.com/saiset-co/sai-vault-worker/service"
	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/worker"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "config.yml",
	Usage:   "path to the YAML configuration file",
	EnvVars: []string{"VAULT_WORKER_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:   "vault-worker",
		Usage:  "offline-first request interception worker for the vault dashboard",
		Flags:  []cli.Flag{configFlag},
		Action: start,
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Start the worker and its HTTP endpoint",
				Flags:  []cli.Flag{configFlag},
				Action: start,
			},
			{
				Name:   "stores",
				Usage:  "List cache stores and their entry counts",
				Flags:  []cli.Flag{configFlag},
				Action: stores,
			},
			{
				Name:   "clear-cache",
				Usage:  "Delete every cache store",
				Flags:  []cli.Flag{configFlag},
				Action: clearCache,
			},
			{
				Name:      "config",
				Usage:     "Print the effective configuration or a single value",
				ArgsUsage: "[path]",
				Flags:     []cli.Flag{configFlag},
				Action:    printConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func start(c *cli.Context) error {
	svc, err := service.NewService(c.Context, c.String("config"))
	if err != nil {
		return err
	}

	return svc.Start()
}

func stores(c *cli.Context) error {
	return withStorage(c, func(ctx context.Context, storage types.CacheStorage, _ *worker.Worker) error {
		names, err := storage.Keys(ctx)
		if err != nil {
			return err
		}

		for _, name := range names {
			store, err := storage.Open(ctx, name)
			if err != nil {
				return err
			}
			keys, err := store.Keys(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%d\n", name, len(keys))
		}
		return nil
	})
}

func clearCache(c *cli.Context) error {
	return withStorage(c, func(ctx context.Context, _ types.CacheStorage, w *worker.Worker) error {
		deleted, err := w.Lifecycle().ClearAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d stores\n", deleted)
		return nil
	})
}

func printConfig(c *cli.Context) error {
	cm, err := config.NewConfigurationManager(c.Context, c.String("config"))
	if err != nil {
		return err
	}

	if path := c.Args().First(); path != "" {
		value := cm.GetValue(path, nil)
		if value == nil {
			return types.Errorf(types.ErrConfigNotFound, "path %q", path)
		}
		return printYAML(value)
	}

	paths := cm.Paths()
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Println(path)
	}
	return nil
}

// withStorage opens the configured storage without starting the worker,
// so maintenance commands never install or serve.
func withStorage(c *cli.Context, fn func(ctx context.Context, storage types.CacheStorage, w *worker.Worker) error) error {
	cm, err := config.NewConfigurationManager(c.Context, c.String("config"))
	if err != nil {
		return err
	}
	cfg := cm.GetConfig()

	loggerManager, err := logger.NewManager(cfg.Logger)
	if err != nil {
		return err
	}

	w, err := worker.New(c.Context, cfg, loggerManager, nil)
	if err != nil {
		return err
	}

	storage := w.Storage()
	if err := storage.Start(); err != nil {
		return types.WrapError(err, "failed to start storage")
	}
	defer func() {
		_ = storage.Stop()
	}()

	return fn(c.Context, storage, w)
}

func printYAML(value interface{}) error {
	out, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
