// Package core turns nested JSON-like records into flat, relationally linked
// tables.
//
// The package holds all domain logic and knows nothing about concrete output
// formats. Writers plug in through the [BatchSink] interface and are looked up
// by name with [OpenSink].
//
// # Architecture
//
//   - Records: [Record] keeps source key order; [FlatRow] is one output row.
//   - Naming: [Namer] derives table and column names from traversal paths,
//     collapsing deep paths into one final segment.
//   - Identifiers: [AssignID] implements the random, natural, hash and
//     composite strategies, with per-table overrides through [IDResolver].
//   - Engine: [Engine] flattens one record with an explicit work-list and
//     applies the [ArrayMode] to every array it meets.
//   - Recovery: [Recovery] decides per failure whether to abort the run, drop
//     a field, substitute a default, or drop the record.
//   - Pipeline: [Pipeline] pulls from a [RecordSource] in chunks and hands
//     every table's rows to the sink once per chunk.
//   - Shards: [RunShards] runs independent pipelines side by side, one per
//     input, with bounded parallelism.
//
// # Example
//
//	sink, err := core.OpenSink(ctx, "jsonl", core.SinkOptions{OutputDir: "out"})
//	if err != nil {
//	    return err
//	}
//	sum, err := core.Run(ctx, core.NewNDJSONSource(f, size), core.DefaultConfig(), sink)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(sum.TotalRecords, sum.ErrorCount)
//
// # Tables
//
// Root records go to the table named by Config.RootTable. An array that is
// extracted becomes a child table named from the array's path, so
// {"orders": [{"items": [...]}]} produces the tables "orders" and
// "orders_items". Every child row carries the parent row's id.
//
// # Error Handling
//
// Every failure is a [*Failure] with a [FailureKind] and passes through the
// recovery controller exactly once. [MapError] maps failures and sink errors
// to short messages with reference codes:
//
//   - FLT001-FLT003: flattening failures
//   - SRC001-SRC002: source failures
//   - SNK001-SNK002: sink failures
//   - DB001-DB004: database errors raised by sinks
//   - RUN001: the run was cancelled
package core
