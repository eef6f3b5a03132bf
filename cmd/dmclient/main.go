package main

import (
	"context"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"relaydm/client"
	"relaydm/configs"
	"relaydm/crypto/key_ed25519"
	"relaydm/relay"
	"relaydm/store"
	mongostore "relaydm/store/mongo"
	redisstore "relaydm/store/redis"
)

var logger = logrus.New()

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Debugf("no .env file loaded: %v", err)
	}

	keyHex := os.Getenv("IDENTITY_KEY")
	if keyHex == "" {
		logger.Fatal("IDENTITY_KEY is not set; run gen_keys and export the private key")
	}
	priv, err := key_ed25519.PrivateKeyFromHex(keyHex)
	if err != nil {
		logger.Fatalf("Invalid IDENTITY_KEY: %v", err)
	}

	cacheStore, cleanup, err := openStore()
	if err != nil {
		logger.Fatalf("Error opening cache store: %v", err)
	}
	defer cleanup()

	pool := relay.NewPool()
	defer pool.Close()

	engine, err := client.NewEngine(client.Config{Priv: priv}, pool, cacheStore)
	if err != nil {
		logger.Fatalf("Error creating engine: %v", err)
	}
	defer engine.Close()

	logger.Infof("syncing as %s", engine.PubKey())
	if err := engine.Start(context.Background()); err != nil {
		// The engine stays usable; history may be incomplete and the
		// snapshot carries the notice.
		logger.Errorf("initial sync degraded: %v", err)
	}

	app := client.NewChatApp(engine)
	if err := app.InitGui(); err != nil {
		logger.Fatalf("Error initializing gocui interface: %v", err)
	}
	if err := app.Run(); err != nil {
		logger.Fatalf("Error in gocui main loop: %v", err)
	}

	logger.Info("Application exited.")
}

// openStore picks the cache backend from CACHE_STORE (redis by default,
// mongo as the alternative).
func openStore() (store.Store, func(), error) {
	switch strings.ToLower(os.Getenv("CACHE_STORE")) {
	case "", "redis":
		addr := os.Getenv("REDIS_ADDRESS")
		if addr == "" {
			addr = configs.RedisAddress
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		return redisstore.New(rdb), func() { rdb.Close() }, nil
	case "mongo":
		uri := os.Getenv("MONGO_URI")
		if uri == "" {
			uri = configs.MongoURI
		}
		mc, err := mongo.Connect(context.Background(), options.Client().ApplyURI(uri))
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() { mc.Disconnect(context.Background()) }
		return mongostore.New(mc.Database(configs.MongoDatabase)), cleanup, nil
	default:
		logger.Fatalf("Unknown CACHE_STORE %q (want redis or mongo)", os.Getenv("CACHE_STORE"))
		return nil, nil, nil
	}
}
