package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ChainFlow-Nodes/sdk/go/chainflow"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "chainflowd base URL")
	nodeType := flag.String("node", "alchemy", "action node type")
	operation := flag.String("op", "eth_blockNumber", "operation name")
	network := flag.String("network", "", "network key, provider default when empty")
	flag.Parse()

	client, err := chainflow.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ops, err := client.LoadMethod(ctx, *nodeType, "getOperations", *network, "")
	if err != nil {
		log.Fatalf("load operations: %v", err)
	}
	fmt.Printf("%s offers %d operations\n", *nodeType, len(ops))

	raw, err := client.Run(ctx, *nodeType, chainflow.Call{Operation: *operation, Network: *network})
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	fmt.Printf("direct call: %s\n", raw)

	exec, err := client.SubmitExecution(ctx, chainflow.ExecutionRequest{
		Node:      *nodeType,
		Operation: *operation,
		Network:   *network,
	}, 10*time.Second)
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(exec)
}
