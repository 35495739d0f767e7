// Command kairos-agent serves a reference decision policy over HTTP and
// gRPC for the agent_remote strategy.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"kairos/internal/agentserver"
	"kairos/internal/config"
	"kairos/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $KAIROS_CONFIG or "+config.DefaultPath+")")
	policyName := flag.String("policy", "", "decision policy: "+strings.Join(agentserver.PolicyNames(), ", "))
	httpAddr := flag.String("http", "", "HTTP listen address (default server.host:server.agent_port)")
	grpcAddr := flag.String("grpc", "", "gRPC listen address (default server.host:server.grpc_port, \"off\" disables)")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Default()
	if path := config.ResolvePath(*cfgPath); *cfgPath != "" || fileExists(path) {
		var err error
		if cfg, err = config.Read(path); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *policyName == "" {
		*policyName = os.Getenv("KAIROS_AGENT_POLICY")
	}
	policy, err := agentserver.NewPolicy(*policyName)
	if err != nil {
		log.Fatalf("%v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	util.SetDefault(logger)

	if *httpAddr == "" {
		*httpAddr = hostPort(cfg.Server.Host, cfg.Server.AgentPort)
	}
	switch *grpcAddr {
	case "":
		*grpcAddr = hostPort(cfg.Server.Host, cfg.Server.GRPCPort)
	case "off":
		*grpcAddr = ""
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := agentserver.NewServer(policy, logger).Serve(ctx, *httpAddr, *grpcAddr); err != nil {
		log.Fatalf("agent server error: %v", err)
	}
}

func hostPort(host string, port int) string {
	if port <= 0 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
