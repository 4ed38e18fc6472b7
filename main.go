package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PPChat/data/database/mgo/mongoutil"
	"PPChat/data/database/pg"
	"PPChat/global"
	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/middleware"
	midsec "PPChat/middleware/security"
	"PPChat/module/chat/api"
	"PPChat/module/chat/directory"
	"PPChat/module/chat/resolver"
	chatsvc "PPChat/module/chat/service"
	"PPChat/module/chat/store"
	"PPChat/module/user"
	usersvc "PPChat/module/user/service"
	"PPChat/service/blob"
	"PPChat/service/chat"
	"PPChat/service/kafka"
	"PPChat/service/mgo"
	"PPChat/service/natsx"
	"PPChat/service/realtime"
	"PPChat/service/storage"
	rds "PPChat/service/storage/redis"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
	jwtlib "PPChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	idemTTL         = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.JSON)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Errorf("ppchat exited: %v", err)
		os.Exit(1)
	}
	logger.Infof("ppchat stopped")
}

func run(ctx context.Context, cfg *config.AppConfig) error {
	if err := ids.SetNodeID(cfg.NodeID); err != nil {
		return err
	}

	// ---------- Postgres ----------
	pool, err := pg.Connect(ctx, pg.Config{URL: cfg.Postgres.URL, MaxConns: cfg.Postgres.MaxConns, MaxRetry: 10})
	if err != nil {
		return err
	}
	defer pool.Close()
	if cfg.Postgres.Migrate {
		if err := pg.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	// ---------- Redis：presence / 幂等 / 建会话锁（单节点可选，启用 NATS 时必需） ----------
	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = rds.New(ctx, rds.Config{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB, PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var presence realtime.PresenceStore = realtime.NewMemoryPresence(time.Now)
	var locker resolver.Locker
	var idem natsx.IdemStore = natsx.NewMemIdem(idemTTL)
	if rdb != nil {
		presence = storage.NewRedisPresence(rdb, storage.PresenceConfig{})
		locker = storage.NewRedisLocker(rdb, "ppchat:lock:")
		idem = storage.NewRedisIdem(rdb, "ppchat:idem:")
	}

	// ---------- 总线：多节点走 NATS，单节点走内存 ----------
	var bus realtime.Bus = realtime.NewMemoryBus()
	if cfg.NatsEnabled() {
		nm, err := natsx.NewNatsManager(natsx.NatsxConfig{
			Servers:  cfg.Nats.URLs,
			Name:     cfg.Nats.Name,
			User:     cfg.Nats.User,
			Password: cfg.Nats.Password,
		}, natsx.NatsxRecover(), natsx.NatsxLogging(200*time.Millisecond))
		if err != nil {
			return err
		}
		defer nm.Close()
		bus = realtime.NewNatsBus(nm, idem, idemTTL)
	}

	g, gctx := errgroup.WithContext(ctx)

	// ---------- 变更流：有 Kafka 时先落日志再由 relay 扇出 ----------
	var sink realtime.ChangeSink = realtime.BusSink{Bus: bus}
	if cfg.KafkaEnabled() {
		kcfg := kafka.Config{
			Brokers:            cfg.Kafka.Brokers,
			Topic:              cfg.Kafka.ChangesTopic,
			GroupID:            cfg.Kafka.GroupID,
			PartitionsPerTopic: cfg.Kafka.Partitions,
			ReplicationFactor:  cfg.Kafka.Replication,
		}
		if err := kafka.EnsureChangeTopic(kcfg); err != nil {
			return err
		}
		producer, err := kafka.NewChangeProducer(kcfg)
		if err != nil {
			return err
		}
		defer producer.Close()
		sink = producer
		relay := kafka.NewRelay(kcfg, realtime.BusSink{Bus: bus})
		g.Go(func() error { return relay.Run(gctx) })
	}

	st := store.NewPgStore(pool, sink)

	// ---------- 附件：Mongo GridFS（可选） ----------
	signer := blob.NewSigner(cfg.Blob.SignSecret, cfg.Blob.PublicBase)
	var blobs api.BlobStore
	var mongo *mgo.MongoManager
	if cfg.MongoEnabled() {
		mongo = mgo.NewManager(&mongoutil.Config{Uri: cfg.Mongo.URI, Database: cfg.Mongo.Database, MaxRetry: 10})
		mongo.StartAsync(gctx)
		blobs = blob.NewGridFSStore(mongo, cfg.Blob.Bucket, signer)
	}

	// 服务端自己的 realtime 客户端，只用于推 inbox 通知
	notifier := realtime.NewClient(bus, realtime.Options{ClientID: "server-" + ids.GenerateString(), Logger: logger.Named("notifier")})
	if err := notifier.Open(ctx); err != nil {
		return err
	}
	defer notifier.Close()

	res := resolver.New(st, locker)
	msgs := chatsvc.NewMessageService(st, res, chatsvc.Options{
		Signer:       signer,
		SignedURLTTL: cfg.Blob.SignedURLTTL,
		Notifier:     notifier,
	})

	jwtOpts := jwtlib.DefaultOptions(cfg.JwtSecret())
	jwtOpts.TTL = cfg.JWT.TTL
	jwtOpts.Issuer = cfg.JWT.Issuer

	gw := chat.NewGateway(chat.Options{
		Bus:         bus,
		Presence:    presence,
		PresenceTTL: cfg.Presence.TTL,
		Heartbeat:   cfg.Presence.Heartbeat,
		Members:     st,
		Origins:     middleware.OriginPolicy(cfg.AllowedOrigins),
	})
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer gw.Close()

	// ---------- HTTP ----------
	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	mids := middleware.NewManager()
	mids.Add(middleware.AccessLog())
	mids.Add(middleware.Origin(middleware.OriginPolicy(cfg.AllowedOrigins)))
	engine.Use(gin.Recovery(), mids.Use())

	rt := middleware.NewRouter(engine, midsec.Middleware(midsec.DefaultOptions(jwtOpts)))
	api.New(api.Deps{
		Directory:    directory.New(st),
		Resolver:     res,
		Messages:     msgs,
		Members:      st,
		Blob:         blobs,
		SignedURLTTL: cfg.Blob.SignedURLTTL,
		MaxUpload:    cfg.Blob.MaxUpload,
	}).Register(rt)
	user.NewHandler(usersvc.NewUserService(st), jwtOpts, cfg.JWT.AllowIssue).Register(rt)
	gw.Register(rt)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(hctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, global.Fail(errs.ErrStoreFailure.WrapMsg(err.Error())))
			return
		}
		c.JSON(http.StatusOK, global.Success(gin.H{
			"connections": gw.Conns().Count(),
			"mongo":       mongo != nil && mongo.Healthy(),
		}))
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		logger.Infof("[HTTP] listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ---------- gRPC 健康检查 ----------
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	g.Go(func() error {
		logger.Infof("[gRPC] health listening on %s", cfg.GRPCAddr)
		return gs.Serve(lis)
	})

	// ---------- Nacos 热更新（可选） ----------
	if cfg.NacosEnabled() {
		err := config.WatchNacos(gctx, cfg, func(next *config.AppConfig) {
			logger.Init(next.Log.Level, next.Log.JSON)
			logger.Infof("[Nacos] config reloaded, log level=%s", next.Log.Level)
		})
		if err != nil {
			logger.Warnf("[Nacos] watch disabled: %v", err)
		}
	}

	// ---------- 优雅退出 ----------
	g.Go(func() error {
		<-gctx.Done()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		gw.Close()
		err := srv.Shutdown(sctx)
		gs.GracefulStop()
		return err
	})

	return g.Wait()
}
