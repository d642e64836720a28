/*
main.go - vialfix entry point

PURPOSE:
  Reconciles injection -> vial associations in the shared record table:
  scans vials and injections, decides the correct vial for every injection
  from the boundary table, prints the before/after distribution and writes
  the corrections (unless --dry-run).

COMMANDS:
  run       Scan, report, apply, record the run
  plan      Same as run --dry-run
  serve     HTTP API over the same reconciler
  import    Load a DynamoDB JSON export or a scenario into the sqlite table
  runs      List recorded runs
  policy    Show, check or derive the boundary table

EXIT CODES:
  0  completed, no failed writes (or dry run)
  1  completed with failed writes
  2  aborted before any write (scan failure, invalid policy, bad config)

EXAMPLES:
  # Rehearse against production
  vialfix plan --table reta-data --profile reta-admin --region eu-west-1

  # Fix it
  vialfix run --conditional

  # Rehearse locally
  vialfix import --scenario incident-2025 --db ./rehearsal.db
  vialfix run --backend sqlite --db ./rehearsal.db

ENVIRONMENT:
  Every flag has a VIALFIX_* counterpart, e.g. VIALFIX_TABLE,
  VIALFIX_AWS_PROFILE, VIALFIX_LOG_LEVEL. See config/config.go.

SEE ALSO:
  - engine/reconciler.go: Run sequence
  - config/config.go: Settings and precedence
*/
package main

import "os"

func main() {
	os.Exit(execute())
}
