// Package redis connects to the optional Redis server that backs usage
// counters on multi-instance deployments.
//
// Configuration comes from the environment through Config:
//
//	cfg := config.MustLoad[redis.Config]()
//	if cfg.Enabled() {
//	    client, err := redis.Connect(ctx, cfg)
//	    if err != nil {
//	        return err
//	    }
//	    defer client.Close()
//	    store := usage.NewRedisStore(client, cfg.KeyPrefix)
//	}
//
// Healthcheck returns a check suitable for readiness endpoints.
package redis
