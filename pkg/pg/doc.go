// Package pg bootstraps PostgreSQL access for the billing engine with
// github.com/jackc/pgx/v5 and runs schema migrations with goose.
//
//   - Config is populated from environment variables (PG_CONN_URL, pool sizes,
//     retry policy).
//   - Connect opens a *pgxpool.Pool, retrying while the database starts.
//   - Migrate applies the SQL files embedded in the migrations package.
//   - TxManager implements billing.Transactor: it opens a transaction and
//     stores it in the context, and repositories call Conn to run their
//     statements on it. Row locks taken with SELECT ... FOR UPDATE therefore
//     cover every statement in the unit of work.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	if err := pg.Migrate(ctx, pool, cfg, log); err != nil {
//		return err
//	}
//	tx := pg.NewTxManager(pool)
package pg
