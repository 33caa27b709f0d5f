// Package mcpserver exposes the scanner as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/extract"
	"github.com/JakeFAU/pricescan/internal/pipeline"
	"github.com/JakeFAU/pricescan/internal/scan"
)

var validate = validator.New()

// Scanner runs a batch synchronously; pipeline.Pipeline satisfies it.
type Scanner interface {
	Run(ctx context.Context, targets []scan.Target, mode scan.RunMode) (*pipeline.Batch, error)
}

// Server is the MCP server for pricescan.
type Server struct {
	server  *server.MCPServer
	scanner Scanner
	chain   *extract.Chain
	logger  *zap.Logger
}

// New creates the server and registers its tools. extract_html always runs
// the chain without the language-model fallback.
func New(version string, scanner Scanner, chain *extract.Chain, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		server:  server.NewMCPServer("pricescan", version),
		scanner: scanner,
		chain:   chain.WithoutLLM(),
		logger:  logger,
	}
	s.server.AddTools(
		newServerTool(s.scanURL()),
		newServerTool(s.extractHTML()),
	)
	return s
}

// Run serves MCP over stdin/stdout until the client disconnects.
func (s *Server) Run() error {
	return server.ServeStdio(s.server)
}

func newServerTool(tool mcp.Tool, handler server.ToolHandlerFunc) server.ServerTool {
	return server.ServerTool{
		Tool:    tool,
		Handler: handler,
	}
}

func (s *Server) scanURL() (mcp.Tool, server.ToolHandlerFunc) {
	return mcp.NewTool(
			"scan_url",
			mcp.WithDescription("Fetch a retail product page through the scraping proxy and extract its price and stock state"),
			mcp.WithString("url", mcp.Required(), mcp.Description("Product page URL")),
			mcp.WithString("description", mcp.Description("Product description, used by the language-model fallback")),
			mcp.WithString("retailer_key", mcp.Description("Retailer identifier")),
		), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			type toolArguments struct {
				URL         string `mapstructure:"url" validate:"required,url"`
				Description string `mapstructure:"description"`
				RetailerKey string `mapstructure:"retailer_key"`
			}
			var args toolArguments
			if err := decodeArgs(ctx, req, &args); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}

			batch, err := s.scanner.Run(ctx, []scan.Target{{
				ProductID:   "mcp",
				RetailerKey: args.RetailerKey,
				Description: args.Description,
				URL:         args.URL,
			}}, scan.ModeDebug)
			if err != nil {
				s.logger.Warn("scan_url failed", zap.String("url", args.URL), zap.Error(err))
				return mcp.NewToolResultError(err.Error()), nil
			}
			return jsonResult(batch.Records[0])
		}
}

func (s *Server) extractHTML() (mcp.Tool, server.ToolHandlerFunc) {
	return mcp.NewTool(
			"extract_html",
			mcp.WithDescription("Extract price and stock state from raw product page HTML without fetching"),
			mcp.WithString("html", mcp.Required(), mcp.Description("Page HTML")),
			mcp.WithString("url", mcp.Description("Page URL, used for platform detection")),
		), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			type toolArguments struct {
				HTML string `mapstructure:"html" validate:"required"`
				URL  string `mapstructure:"url" validate:"omitempty,url"`
			}
			var args toolArguments
			if err := decodeArgs(ctx, req, &args); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}

			page := extract.NewPage(args.HTML, args.URL, scan.Target{URL: args.URL})
			return jsonResult(s.chain.Extract(ctx, page))
		}
}

func decodeArgs(ctx context.Context, req mcp.CallToolRequest, dst any) error {
	if err := mapstructure.Decode(req.Params.Arguments, dst); err != nil {
		return err
	}
	return validate.StructCtx(ctx, dst)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
