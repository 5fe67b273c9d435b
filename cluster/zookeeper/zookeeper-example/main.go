package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/DataDog/zkrecipes/cluster"
	zklocking "github.com/DataDog/zkrecipes/cluster/zookeeper"
	"github.com/DataDog/zkrecipes/store"
)

func main() {
	// Each imaginary process gets its own session.
	var clients []*store.Client
	for i := 0; i < 3; i++ {
		c, err := store.Dial(store.Config{Connect: "localhost:2181"})
		if err != nil {
			log.Fatal(err)
		}
		defer c.Close()
		clients = append(clients, c)
	}

	// Init a Lock.
	cfg := zklocking.ZooKeeperLockConfig{
		Path: "/my/locks",
	}

	lock1, _ := zklocking.NewZooKeeperLock(clients[0], cfg)
	lock2, _ := zklocking.NewZooKeeperLock(clients[1], cfg)
	lock3, _ := zklocking.NewZooKeeperLock(clients[2], cfg)

	var wg = &sync.WaitGroup{}
	wg.Add(3)

	// Get a lock.
	tryToUseTheLock(context.Background(), 1, lock1, 10*time.Second, wg)

	// An imaginary second process attempting a lock. This one times out.
	tryToUseTheLock(context.Background(), 2, lock2, time.Second, wg)

	// Another imaginary process attempting a lock. This one waits, but succeeds
	// after the first lock is relinquished.
	go tryToUseTheLock(context.Background(), 3, lock3, 10*time.Second, wg)

	// The first process releases the lock.
	time.Sleep(time.Second)
	releaseTheLock(context.Background(), 1, lock1)

	wg.Wait()
	releaseTheLock(context.Background(), 3, lock3)
}

func tryToUseTheLock(ctx context.Context, id int, lock cluster.Lock, wait time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := lock.Lock(ctx); err != nil {
		log.Printf("[process %d] error: %s\n", id, err)
	} else {
		log.Printf("[process %d] I've got the lock!\n", id)
	}
}

func releaseTheLock(ctx context.Context, id int, lock cluster.Lock) {
	if err := lock.Unlock(ctx); err != nil {
		log.Printf("[process %d] error: %s\n", id, err)
	} else {
		log.Printf("[process %d] I've released the lock!\n", id)
	}
}
