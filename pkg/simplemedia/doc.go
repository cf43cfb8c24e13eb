// Package simplemedia publishes uploaded media for the content platform.
//
// An upload arrives as a multipart stream. The Collector binds its text parts
// to a per-target Builder and stages the single binary part in a bounded
// temporary file. The Pipeline then writes the owning record and the media
// row inside one relational transaction, PUTs the staged bytes to the
// ObjectStore and commits only after the PUT succeeded. Readers therefore see
// either both the row and the object or neither.
//
// Basic usage:
//
//	store, _ := sqlite.Open(ctx, "file:media.db?_pragma=foreign_keys(1)")
//	pipeline, _ := simplemedia.New(
//	    simplemedia.WithStore(store),
//	    simplemedia.WithObjectStore(memorystorage.New()),
//	)
//	media, err := pipeline.Publish(ctx, r.MultipartReader(), simplemedia.ChapterPageTarget(chapterID))
//
// Objects left behind by a failed commit are removed by a compensating delete
// and, failing that, by the Sweeper.
package simplemedia
