package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"dbite/config"
	"dbite/pkg/bptree"
	"dbite/pkg/pager"
	"dbite/util/logger"
)

func main() {
	path := flag.String("path", "", "path to the store file")
	pageSize := flag.Int("page-size", pager.PageSize, "page size in bytes, must match pager.PageSize")
	flag.Parse()

	if *path == "" {
		fatal("missing required flag -path")
	}

	cfg := config.NewStoreConfig(*path)
	cfg.PageSize = *pageSize

	p, err := pager.Open(cfg)
	if err != nil {
		fatal(err)
	}

	tree, err := bptree.Open(p)
	if err != nil {
		fatal(err)
	}

	defer func() {
		if err := p.Close(); err != nil {
			fmt.Println("error on gracefully stopping:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go repl(p, tree, done)

	select {
	case <-done:
	case q := <-quit:
		fmt.Printf("\n%s signal received, stopping gracefully...\n", q.String())
	}

	if err := p.Commit(); err != nil {
		fmt.Println("error committing on shutdown:", err)
	}
}

func repl(p *pager.Pager, tree *bptree.BTree, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}

		fields := strings.SplitN(line, " ", 3)
		cmd := fields[0]

		switch cmd {
		case "put":
			if len(fields) != 3 {
				fmt.Println("error: usage: put <key> <value>")
				break
			}
			if err := tree.Insert([]byte(fields[1]), []byte(fields[2])); err != nil {
				fmt.Println("error:", err)
				break
			}
			if err := p.Commit(); err != nil {
				fmt.Println("error:", err)
			}

		case "get":
			if len(fields) != 2 {
				fmt.Println("error: usage: get <key>")
				break
			}
			val, ok, err := tree.Search([]byte(fields[1]))
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			if !ok {
				fmt.Println("(not found)")
				break
			}
			fmt.Println(string(val))

		case "del":
			if len(fields) != 2 {
				fmt.Println("error: usage: del <key>")
				break
			}
			ok, err := tree.Remove([]byte(fields[1]))
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			if !ok {
				fmt.Println("(not found)")
				break
			}
			if err := p.Commit(); err != nil {
				fmt.Println("error:", err)
			}

		case "stats":
			fmt.Printf("txn_id=%d root=%d\n", p.TxnID(), p.RootPage())

		case "exit":
			return

		default:
			fmt.Println("error: unknown command", cmd)
		}

		fmt.Print("> ")
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		logger.L.WithError(err).Error("repl: read error")
	}
}

func fatal(val interface{}) {
	fmt.Println(val)
	os.Exit(1)
}
