// Package cmd defines the pricescan CLI.
//
// Architecture overview:
//   - scan: loads the product map from a workbook or Google Sheet, scans every row through the
//     ScrapingBee proxy, writes the results back, optionally emails the workbook, publishes a
//     batch summary and stores the records.
//   - serve: exposes the chi HTTP API. Scan jobs flow through a bounded in-memory queue into a
//     fixed pool of job workers; an optional cron schedule enqueues scans of the configured input.
//   - mcp: serves the scan_url and extract_html tools over stdio for MCP clients.
//   - extract: scans a single URL in debug mode and prints the canonical record.
//
// Quick checklist:
//   - Configure env vars: PRICESCAN_SCRAPINGBEE_API_KEY, PRICESCAN_INPUT_WORKBOOK_PATH or
//     PRICESCAN_INPUT_SHEET_ID, PRICESCAN_LLM_API_KEY with PRICESCAN_LLM_ENABLED=true for the
//     language-model fallback, and PRICESCAN_DATABASE_DSN when run history should persist.
//   - Run locally: go run . scan --workbook targets.xlsx --limit 10
package cmd
