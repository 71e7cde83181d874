package discord

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/ernie/pitwatch/internal/domain"
	"github.com/ernie/pitwatch/internal/metrics"
)

// Messenger is the subset of the Discord session used to post notices
type Messenger interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type postedMessage struct {
	channelID string
	messageID string
}

// Relay posts notices to their configured channels
type Relay struct {
	messenger Messenger
	channels  map[domain.Channel]string

	mu   sync.Mutex
	last map[domain.NoticeKind]postedMessage // last message per kind, for Replace
}

// NewRelay creates a relay. channels maps notice channels to Discord channel IDs.
func NewRelay(messenger Messenger, channels map[domain.Channel]string) *Relay {
	return &Relay{
		messenger: messenger,
		channels:  channels,
		last:      make(map[domain.NoticeKind]postedMessage),
	}
}

// Deliver posts n. Replace notices edit the previous message of the same kind
// and fall back to a new message when the edit fails.
func (r *Relay) Deliver(ctx context.Context, n domain.Notice) error {
	channelID := r.channels[n.Channel]
	if channelID == "" {
		slog.Debug("No Discord channel configured, dropping notice", "channel", n.Channel, "kind", n.Kind)
		return nil
	}
	opts := []discordgo.RequestOption{discordgo.WithContext(ctx)}

	var embeds []*discordgo.MessageEmbed
	if n.Embed != nil {
		embeds = []*discordgo.MessageEmbed{n.Embed}
	}

	if n.Replace {
		r.mu.Lock()
		prev, ok := r.last[n.Kind]
		r.mu.Unlock()

		if ok && prev.channelID == channelID {
			content := n.Content
			edit := &discordgo.MessageEdit{
				ID:      prev.messageID,
				Channel: prev.channelID,
				Content: &content,
				Embeds:  &embeds,
			}
			_, err := r.messenger.ChannelMessageEditComplex(edit, opts...)
			if err == nil {
				metrics.NoticesTotal.WithLabelValues(string(n.Kind), "sent").Inc()
				return nil
			}
			slog.Warn("Failed to edit notice, sending a new one", "kind", n.Kind, "message", prev.messageID, "error", err)
		}
	}

	send := &discordgo.MessageSend{
		Content: n.Content,
		Embeds:  embeds,
	}
	if n.Content != "" {
		send.AllowedMentions = &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeRoles},
		}
	}
	msg, err := r.messenger.ChannelMessageSendComplex(channelID, send, opts...)
	if err != nil {
		metrics.NoticesTotal.WithLabelValues(string(n.Kind), "failed").Inc()
		return err
	}
	metrics.NoticesTotal.WithLabelValues(string(n.Kind), "sent").Inc()

	r.mu.Lock()
	r.last[n.Kind] = postedMessage{channelID: channelID, messageID: msg.ID}
	r.mu.Unlock()
	return nil
}

// Run delivers notices from every source until ctx is cancelled. observe, if
// set, sees each notice before delivery.
func (r *Relay) Run(ctx context.Context, observe func(domain.Notice), sources ...<-chan domain.Notice) {
	merged := make(chan domain.Notice)
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src <-chan domain.Notice) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-src:
					if !ok {
						return
					}
					select {
					case merged <- n:
					case <-ctx.Done():
						return
					}
				}
			}
		}(src)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case n := <-merged:
			if observe != nil {
				observe(n)
			}
			if err := r.Deliver(ctx, n); err != nil {
				slog.Error("Failed to deliver notice", "kind", n.Kind, "channel", n.Channel, "error", err)
			}
		}
	}
}
