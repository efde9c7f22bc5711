// Package storage provides the persistence plumbing shared by every entity:
// database connections for PostgreSQL and SQLite, dialect-aware migrations,
// context-carried transactions, constraint error mapping, blob stores for
// file-backed fields and the Redis client.
//
// # Transactions
//
// A transaction travels in the context. Code that reads or writes goes
// through Querier so that it joins the caller's transaction when there is
// one:
//
//	err := storage.InTx(ctx, db, func(ctx context.Context) error {
//		_, err := storage.Querier(ctx, db).ExecContext(ctx, "UPDATE ...")
//		return err
//	})
//
// Work that must only happen once the data is durable, such as removing a
// replaced blob, is registered with AfterCommit.
//
// # Placeholders
//
// All statements use $N placeholders. SQLite numbers $N parameters by
// their first appearance, so every statement mentions $1, $2, ... in
// ascending order.
//
// # Blob stores
//
//	FileSystemBlobStore  files under CORE_MEDIA_ROOT
//	S3BlobStore          objects in CORE_S3_BUCKET
package storage
