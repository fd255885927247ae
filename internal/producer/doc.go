// Package producer implements the content-producer strategies, one per
// output category:
//
//   - Text: generator fills a text buffer; persisted during invocation.
//   - Binary: generator returns raw bytes; persisted by Save.
//   - Composite: generator builds an in-memory node tree inside the scratch
//     sandbox; Save persists the tree as nested outputs.
//   - List: generator returns named items; Save delegates each item to the
//     producer resolved for the item's kind and cleans up stale old outputs
//     only after the whole new batch is written.
//
// Producers never classify generator errors; they propagate unchanged to the
// session, which owns the retry/skip/abort decision.
package producer
