// Command cachectl inspects and clears the SasiCats artifact cache.
//
// Usage:
//
//	cachectl <command> [flags]
//
// Commands:
//
//	status  Summarize the published artifacts recorded in the cache
//	        index. Safe to run next to a live server. -v lists each
//	        artifact with its size, workflow and source.
//
//	wipe    Delete every artifact and clear the index. Prompts for
//	        confirmation on a terminal; pass -yes otherwise. Stop the
//	        server first, or use POST /api/cache/wipe instead.
//
// Both commands accept -cache DIR. Without it the cache root is CACHE_DIR,
// falling back to $MEDIA_DIR/_sasi_cache. A .env file in the working
// directory is loaded first.
package main
