package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/Siddhant-K-code/repocache/pkg/repo"
	"github.com/Siddhant-K-code/repocache/pkg/telemetry"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start repocache as an MCP server",
	Long: `Starts repocache as a Model Context Protocol (MCP) server so AI assistants
can query repositories through the cache instead of shelling out to git.

Transports:
  stdio (default) - For local desktop apps
  http            - For remote deployments

Tools exposed:
  repo_query    - Run a cached repository query
  repo_notify   - Invalidate after a mutation made outside repocache
  cache_stats   - Cache statistics
  cache_clear   - Remove entries matching a pattern

Resources exposed:
  repocache://config     - Effective cache configuration
  repocache://operations - Operations and their TTL tiers

Example:
  repocache mcp
  repocache mcp --transport http --port 8081`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport type: stdio or http")
	mcpCmd.Flags().Int("port", 8081, "HTTP server port (for http transport)")
	mcpCmd.Flags().String("host", "127.0.0.1", "HTTP server host (for http transport)")
	mcpCmd.Flags().StringP("repo", "r", ".", "Default repository path")
}

// MCPServer exposes the repository cache as MCP tools.
type MCPServer struct {
	app         *App
	defaultRepo string
}

func runMCP(cmd *cobra.Command, args []string) error {
	transport, _ := cmd.Flags().GetString("transport")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	defaultRepo, _ := cmd.Flags().GetString("repo")

	ctx := context.Background()
	app, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(ctx) }()

	m := &MCPServer{app: app, defaultRepo: defaultRepo}
	s := m.newServer()

	switch transport {
	case "stdio":
		if err := server.ServeStdio(s); err != nil {
			return fmt.Errorf("MCP server error: %w", err)
		}

	case "http":
		addr := fmt.Sprintf("%s:%d", host, port)
		fmt.Printf("repocache MCP server starting on http://%s\n", addr)
		fmt.Printf("  Endpoint: http://%s/mcp\n", addr)
		fmt.Printf("  Health:   http://%s/health\n", addr)
		fmt.Println()

		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","server":"repocache-mcp"}`))
		})
		mux.Handle("/mcp", server.NewStreamableHTTPServer(s, server.WithStateful(true)))

		httpServer := &http.Server{
			Addr:    addr,
			Handler: mux,
		}
		if err := httpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}

	default:
		return fmt.Errorf("unsupported transport: %s (use 'stdio' or 'http')", transport)
	}

	return nil
}

func (m *MCPServer) newServer() *server.MCPServer {
	s := server.NewMCPServer(
		"repocache",
		telemetry.Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)
	m.registerTools(s)
	m.registerResources(s)
	return s
}

func (m *MCPServer) registerTools(s *server.MCPServer) {
	queryTool := mcp.NewTool("repo_query",
		mcp.WithDescription(`Query a git repository through the cache.

Repeated queries are answered from memory until the TTL for the operation
expires or a mutation invalidates them.`),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("One of: status, branches, tags, commit_history, file_history, file_contributors, repository_metrics, config, remotes"),
			mcp.Enum(operationNames()...),
		),
		mcp.WithString("repo",
			mcp.Description("Repository path (default: the server's --repo)"),
		),
		mcp.WithString("ref",
			mcp.Description("Revision for commit_history (default HEAD)"),
		),
		mcp.WithString("path",
			mcp.Description("File path for file_history and file_contributors"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of commits for history operations (0 = no limit)"),
		),
	)
	s.AddTool(queryTool, m.handleQuery)

	notifyTool := mcp.NewTool("repo_notify",
		mcp.WithDescription(`Tell the cache a repository changed outside repocache (for example
after running git commit, checkout, pull or tag) so affected results are refreshed.`),
		mcp.WithString("mutation",
			mcp.Required(),
			mcp.Description("One of: stage, commit, reset, branch_create, checkout, pull, push, merge, tag"),
		),
		mcp.WithString("repo",
			mcp.Description("Repository path (default: the server's --repo)"),
		),
	)
	s.AddTool(notifyTool, m.handleNotify)

	s.AddTool(mcp.NewTool("cache_stats",
		mcp.WithDescription("Return cache statistics: hits, misses, evictions, memory usage and more."),
	), m.handleStats)

	s.AddTool(mcp.NewTool("cache_clear",
		mcp.WithDescription("Remove cache entries whose key contains pattern. An empty pattern clears everything."),
		mcp.WithString("pattern",
			mcp.Description("Key substring, e.g. ':file_history:'"),
		),
	), m.handleClear)
}

func (m *MCPServer) registerResources(s *server.MCPServer) {
	configResource := mcp.NewResource(
		"repocache://config",
		"repocache configuration",
		mcp.WithResourceDescription("Effective cache configuration"),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(configResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return jsonResource("repocache://config", m.app.Config.Cache)
	})

	opsResource := mcp.NewResource(
		"repocache://operations",
		"repocache operations",
		mcp.WithResourceDescription("Supported operations and their TTL tiers"),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(opsResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ops := make(map[string]string, len(repo.Operations))
		for _, op := range repo.Operations {
			ops[string(op)] = repo.TTL(op).String()
		}
		return jsonResource("repocache://operations", ops)
	})
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (m *MCPServer) repository(request mcp.CallToolRequest) (*repo.Repository, error) {
	return m.app.Registry.Get(request.GetString("repo", m.defaultRepo))
}

func (m *MCPServer) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := request.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation parameter is required"), nil
	}

	rp, err := m.repository(request)
	if err != nil {
		return toolError(err), nil
	}

	params := map[string]string{
		"ref":   request.GetString("ref", ""),
		"path":  request.GetString("path", ""),
		"limit": strconv.Itoa(int(request.GetFloat("limit", 0))),
	}
	result, err := rp.Query(ctx, repo.Operation(op), params)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(result)
}

func (m *MCPServer) handleNotify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("mutation")
	if err != nil {
		return mcp.NewToolResultError("mutation parameter is required"), nil
	}
	mutation, err := repo.ParseMutation(name)
	if err != nil {
		return toolError(err), nil
	}

	rp, err := m.repository(request)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(RemovedResponse{Removed: rp.Notify(ctx, mutation)})
}

func (m *MCPServer) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolJSON(m.app.Registry.Stats())
}

func (m *MCPServer) handleClear(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolJSON(RemovedResponse{Removed: m.app.Registry.Clear(request.GetString("pattern", ""))})
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func toolError(err error) *mcp.CallToolResult {
	resp := platformerrors.ToJSON(err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", resp.Code, resp.Message))
}
