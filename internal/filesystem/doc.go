/*
Package filesystem wraps the filesystem calls the transcode pipeline makes
against the media library and the cache with retry logic for NFS stale file
handle errors.

Media libraries are often NFS mounts. A source can briefly return ESTALE
while the server revalidates a handle, and a transcode should not fail for
that. StatWithRetry, OpenWithRetry and ReadDirWithRetry retry only ESTALE,
with exponential backoff (50ms, 100ms, 200ms by default, capped at 500ms).
Every other error is returned immediately.

Retry activity is reported through an Observer, labelled with the volume the
path belongs to ("media" or "cache"), so metrics can be attached without
this package importing them:

	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
	    "media": cfg.MediaDir,
	    "cache": cfg.CacheDir,
	}))
	filesystem.SetObserver(metrics.NewFilesystemObserver())

	info, err := filesystem.StatWithRetry(src, filesystem.DefaultRetryConfig())
*/
package filesystem
