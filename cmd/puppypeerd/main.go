// Command puppypeerd runs a puppypeer node: a LAN-discoverable peer that
// exposes explicitly shared folders and local system metrics to other
// puppypeer nodes, and can browse and inspect the folders peers have
// shared back with it.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/j45k4/puppypeer/internal/facade"
)

var (
	readFolders  []string
	writeFolders []string
	peerAddrs    []string
	bindAddr     string
	keypairPath  string
)

var rootCmd = &cobra.Command{
	Use:   "puppypeerd",
	Short: "puppypeerd runs a LAN-discoverable puppypeer node",
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start a puppypeer node and keep it running until interrupted",
	Run:   runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringArrayVar(&readFolders, "read", nil, "folder to share read-only with any peer (repeatable)")
	daemonCmd.Flags().StringArrayVar(&writeFolders, "write", nil, "folder to share read-write with any peer (repeatable)")
	daemonCmd.Flags().StringArrayVar(&peerAddrs, "peer", nil, "multiaddr of a peer to connect to on startup (repeatable)")
	daemonCmd.Flags().StringVar(&bindAddr, "bind", facade.DefaultBindAddr, "libp2p listen multiaddr")
	daemonCmd.Flags().StringVar(&keypairPath, "keypair", "", "path to the node's identity file (defaults to $KEYPAIR or peer_keypair.bin)")
}

func runDaemon(cmd *cobra.Command, args []string) {
	if v := os.Getenv("VERSION"); v != "" {
		log.Printf("puppypeerd version %s", v)
	}

	node, err := facade.New(facade.Config{KeypairPath: keypairPath, BindAddr: bindAddr})
	if err != nil {
		log.Fatalf("puppypeerd: %v", err)
	}

	for _, f := range readFolders {
		if err := node.ShareReadOnlyFolder(f); err != nil {
			log.Fatalf("puppypeerd: share read-only folder %s: %v", f, err)
		}
	}
	for _, f := range writeFolders {
		if err := node.ShareReadWriteFolder(f); err != nil {
			log.Fatalf("puppypeerd: share read-write folder %s: %v", f, err)
		}
	}

	log.Printf("puppypeer node %s", node.ID())
	for _, addr := range node.Addrs() {
		log.Printf("  listening on %s", addr)
	}

	for _, addr := range peerAddrs {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		id, err := node.Connect(ctx, addr)
		cancel()
		if err != nil {
			log.Printf("puppypeerd: failed to connect to %s: %v", addr, err)
			continue
		}
		log.Printf("connected to peer %s", id)
	}

	log.Println("node is running, press Ctrl+C to stop")
	node.Wait()
	log.Println("node shut down")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
