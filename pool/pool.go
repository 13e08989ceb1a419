// Package pool hands out proxy URLs round robin from a list file.
package pool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/regginator/vconsole/transport"
)

var ErrEmpty = errors.New("no proxies available in the pool")

type Pool struct {
	proxies []string
	index   int
	mu      sync.Mutex
}

// Load reads a proxy list file, one URL per line
func Load(filePath string) (*Pool, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return New(f)
}

// New reads proxy URLs from r. Blank lines, #-comments and anything the transport can't dial
// through are skipped.
func New(r io.Reader) (*Pool, error) {
	pool := &Pool{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		} else if _, err := transport.NewDialer(line); err != nil {
			continue
		}

		pool.proxies = append(pool.proxies, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pool.New: %w", err)
	}

	return pool, nil
}

// Request a proxy from the pool
func (pool *Pool) Get() (string, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if len(pool.proxies) == 0 {
		return "", ErrEmpty
	}

	pool.index %= len(pool.proxies)
	proxy := pool.proxies[pool.index]
	pool.index++

	return proxy, nil
}

// Drop a proxy that turned out to be dead
func (pool *Pool) Remove(proxy string) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if i := slices.Index(pool.proxies, proxy); i >= 0 {
		pool.proxies = slices.Delete(pool.proxies, i, i+1)
		if i < pool.index {
			pool.index--
		}
	}
}

func (pool *Pool) Len() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.proxies)
}
