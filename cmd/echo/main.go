package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"evloop"
)

var config *evloop.Config

func init() {
	configFilePath := flag.String("c", "config.toml", "path to configuration file.")
	flag.Parse()
	loaded, err := evloop.LoadConfig(*configFilePath)
	if err != nil {
		log.Fatal().Msgf("%+v", err)
	}
	config = loaded
	initLog(config)
}

func initLog(config *evloop.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil || config.Global.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

type echoWriteCb struct {
	stream *evloop.Stream
}

func (c *echoWriteCb) Complete(int) {}

func (c *echoWriteCb) Error(err error) {
	log.Error().Msgf("[%d] echo write failed: %+v", c.stream.Fd(), err)
	c.stream.Close()
}

type echoReadCb struct {
	stream *evloop.Stream
	stats  *evloop.StatsRegistry
	id     string
}

func (c *echoReadCb) Available(buf *evloop.Buffer) {
	data := make([]byte, buf.Size())
	if _, err := buf.Read(data); err != nil {
		log.Error().Msgf("[%d] can't drain inbound buffer: %+v", c.stream.Fd(), err)
		c.close()
		return
	}
	c.stream.Write(data, &echoWriteCb{stream: c.stream})
}

func (c *echoReadCb) Error(err error) {
	log.Error().Msgf("[%d] echo read failed: %+v", c.stream.Fd(), err)
	c.close()
}

func (c *echoReadCb) Eof() {
	c.close()
}

func (c *echoReadCb) close() {
	c.stats.StreamClosed(c.id, c.stream.Sent(), c.stream.Received())
	c.stream.Close()
}

type echoAcceptCb struct {
	group  *evloop.LoopGroup
	stats  *evloop.StatsRegistry
	socket evloop.SocketOptions
}

func (c *echoAcceptCb) Accepted(fd int, peer string) {
	evloop.ApplySocketOptions(fd, c.socket)
	target := c.group.LoopFor(fd)
	target.RunOnEventLoop(func() {
		stream, err := evloop.NewStream(target, fd)
		if err != nil {
			log.Error().Msgf("[%d] can't wrap accepted connection: %+v", fd, err)
			unix.Close(fd)
			return
		}
		id := strconv.Itoa(fd)
		c.stats.StreamOpened(id, peer)
		stream.StartRead(&echoReadCb{stream: stream, stats: c.stats, id: id})
	})
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] accepted connection from %s", fd, peer)
	}
}

func (c *echoAcceptCb) Error(err error) {
	log.Error().Msgf("got error while accepting connection: %+v", err)
}

func main() {
	log.Info().Msg("starting echo server...")
	evloop.RaiseFileLimit(100000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if len(config.Events) > 0 {
		router, err := evloop.NewKafkaEventRouter(ctx, config.Events)
		if err != nil {
			log.Fatal().Msgf("%+v", err)
		}
		defer router.Close()
		evloop.SetEventRouter(router)
	}

	stats, err := evloop.NewStatsRegistry(100000)
	if err != nil {
		log.Fatal().Msgf("%+v", err)
	}
	defer stats.Close()

	group, err := evloop.NewLoopGroup("echo", config.Global.Loops, 128)
	if err != nil {
		log.Fatal().Msgf("%+v", err)
	}
	group.Start()
	stats.StartMonitor(group.Loop(0), 20*time.Second)

	listeners := make([]*evloop.ConnectionListener, 0, len(config.Listeners))
	acceptLoop := group.Loop(0)
	for _, lc := range config.Listeners {
		lc := lc
		var listener *evloop.ConnectionListener
		acceptLoop.RunOnEventLoopAndWait(func() {
			listener = evloop.NewConnectionListener(acceptLoop, &echoAcceptCb{
				group:  group,
				stats:  stats,
				socket: lc.Socket,
			})
			if err := listener.BindAddr(lc.Address, lc.Port); err != nil {
				log.Fatal().Msgf("listener %s: %+v", lc.Name, err)
			}
			if err := listener.Listen(lc.Backlog); err != nil {
				log.Fatal().Msgf("listener %s: %+v", lc.Name, err)
			}
			if err := listener.StartAccepting(); err != nil {
				log.Fatal().Msgf("listener %s: %+v", lc.Name, err)
			}
		})
		listeners = append(listeners, listener)
		log.Info().Msgf("listener %s accepting on %s:%d", lc.Name, lc.Address, listener.Port())
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, unix.SIGINT, unix.SIGTERM)
	<-stop
	log.Info().Msg("shutting down...")

	for _, listener := range listeners {
		listener := listener
		acceptLoop.RunOnEventLoopAndWait(listener.Close)
	}
	group.Stop()
	group.Close()
}
