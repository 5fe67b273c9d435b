package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DataDog/zkrecipes/cluster/cache"
	"github.com/DataDog/zkrecipes/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Watch a znode or subtree and print cache events",
}

var nodeCacheCmd = &cobra.Command{
	Use:   "node",
	Short: "Watch a single znode",
	RunE:  nodeCache,
}

var childrenCacheCmd = &cobra.Command{
	Use:   "children",
	Short: "Watch the children of a znode",
	RunE:  childrenCache,
}

var treeCacheCmd = &cobra.Command{
	Use:   "tree",
	Short: "Watch a subtree",
	RunE:  treeCache,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(nodeCacheCmd, childrenCacheCmd, treeCacheCmd)

	cacheCmd.PersistentFlags().String("path", "/caches/demo", "Path to watch")
	childrenCacheCmd.Flags().Bool("data", true, "Cache child data")
	treeCacheCmd.Flags().Bool("data", true, "Cache znode data")
	treeCacheCmd.Flags().Int("max-depth", 0, "Levels below the root to cache (0 for all)")
}

type cacheClient struct {
	client *store.Client
	path   string
}

// cacher is the part of a cache's API the cache commands use.
type cacher interface {
	AddListener(cache.Listener) int
	Start(context.Context) error
	Close() error
}

func nodeCache(cmd *cobra.Command, _ []string) error {
	return watch(cmd, func(c cacheClient) cacher {
		return cache.NewNodeCache(c.client, cache.NodeCacheConfig{
			Path:   c.path,
			Logger: &env.logger,
		})
	}, func(c cacher) {
		if d, ok := c.(*cache.NodeCache).CurrentData(); ok {
			printData(d)
		}
	})
}

func childrenCache(cmd *cobra.Command, _ []string) error {
	data, _ := cmd.Flags().GetBool("data")

	return watch(cmd, func(c cacheClient) cacher {
		return cache.NewPathChildrenCache(c.client, cache.PathChildrenCacheConfig{
			Path:      c.path,
			CacheData: data,
			StartMode: cache.PostInitializedEvent,
			Logger:    &env.logger,
		})
	}, nil)
}

func treeCache(cmd *cobra.Command, _ []string) error {
	data, _ := cmd.Flags().GetBool("data")
	depth, _ := cmd.Flags().GetInt("max-depth")

	return watch(cmd, func(c cacheClient) cacher {
		return cache.NewTreeCache(c.client, cache.TreeCacheConfig{
			Path:      c.path,
			MaxDepth:  depth,
			CacheData: data,
			Logger:    &env.logger,
		})
	}, func(c cacher) {
		fmt.Printf("%d znodes cached\n", len(c.(*cache.TreeCache).Snapshot()))
	})
}

// watch starts the cache built by newCache, prints its events until
// interrupted and then closes it. started, if set, is called once the cache
// is loaded.
func watch(cmd *cobra.Command, newCache func(cacheClient) cacher, started func(cacher)) error {
	path, _ := cmd.Flags().GetString("path")

	client, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	c := newCache(cacheClient{client: client, path: path})
	c.AddListener(func(ev cache.Event) {
		if ev.Type == cache.Initialized {
			fmt.Println(ev.Type)
			return
		}
		fmt.Printf("%s ", ev.Type)
		printData(ev.Data)
	})

	if err := c.Start(env.ctx); err != nil {
		return err
	}
	defer c.Close()

	if started != nil {
		started(c)
	}

	<-env.ctx.Done()

	return nil
}

func printData(d cache.ChildData) {
	var version int32
	if d.Stat != nil {
		version = d.Stat.Version
	}
	fmt.Printf("%s version=%d data=%q\n", d.Path, version, d.Data)
}
