package encryption

import (
	"fmt"
	"strconv"

	"github.com/meow-io/go-e2e/jid"
	"github.com/meow-io/go-e2e/node"
)

// retryOrGiveUp asks the author to send id again. A message that is itself a resend, or that was
// already asked for, is dropped.
func (l *Layer) retryOrGiveUp(in *inbound, cause error) error {
	id := in.node.Get("id")
	key := fmt.Sprintf("%s/%s/%s", in.from, in.participant, id)
	if in.node.Has("count") || l.retried.Contains(key) {
		l.metrics.retryGiveUps.Inc()
		l.log.Errorf("giving up on %s from %s: %v", id, in.author, cause)
		return nil
	}
	l.retried.Add(key, struct{}{})
	l.log.Infof("asking %s to resend %s: %v", in.author, id, cause)

	var regID uint32
	if err := l.store.RunReadOnly("registration id", func() (err error) {
		regID, err = l.store.LocalRegistrationID()
		return
	}); err != nil {
		return err
	}
	r := node.New("receipt", map[string]string{"type": "retry", "id": id, "to": in.node.Get("from")},
		node.New("retry", map[string]string{
			"count": "1",
			"id":    id,
			"t":     strconv.FormatUint(l.clock.CurrentTimeSec(), 10),
			"v":     "1",
		}),
		node.NewData("registration", nil, encodeRegistration(regID)),
	)
	r.Set("participant", in.node.Get("participant"))
	l.metrics.retryReceipts.Inc()
	return l.lower.Send(r)
}

// duplicate answers a message we already decrypted with a fresh delivery receipt.
func (l *Layer) duplicate(in *inbound) error {
	l.metrics.duplicates.Inc()
	l.log.Debugf("duplicate %s from %s", in.node.Get("id"), in.author)
	r := node.New("receipt", map[string]string{"id": in.node.Get("id"), "to": in.node.Get("from")})
	r.Set("participant", in.node.Get("participant"))
	return l.lower.Send(r)
}

// receiveRetryReceipt encrypts a sent message again for the peer asking for it, after fetching
// fresh keys. Group messages stay in the sent queue for other members.
func (l *Layer) receiveRetryReceipt(n *node.Node) error {
	id := n.Get("id")
	plain, ok := l.sent.peek(id)
	if !ok {
		return l.upper.Receive(n)
	}
	from, participant := n.Get("from"), n.Get("participant")
	ack := node.New("ack", map[string]string{"class": "receipt", "type": "retry", "id": id, "to": from})
	ack.Set("participant", participant)
	if err := l.lower.Send(ack); err != nil {
		return err
	}

	count := resendCount(n)
	group := jid.IsGroup(from) && participant != ""
	peer := jid.Denormalize(from)
	if group {
		peer = jid.Denormalize(participant)
	} else {
		l.sent.remove(id)
	}
	l.log.Infof("resending %s to %s", id, peer)
	keys := l.fetchKeys([]string{peer})
	l.goAsync(func() {
		<-keys
		var err error
		if group {
			err = l.sendGroup(plain, count, []string{peer})
		} else {
			plain.Set("count", strconv.Itoa(count))
			l.metrics.resends.Inc()
			err = l.sendDirect(plain)
		}
		if err != nil {
			l.log.Errorf("error resending %s to %s: %v", id, peer, err)
		}
	})
	return nil
}

// resendCount numbers a resend after the retry receipt asking for it, starting at 1.
func resendCount(n *node.Node) int {
	if r := n.Child("retry"); r != nil {
		if count, err := strconv.Atoi(r.Get("count")); err == nil && count > 0 {
			return count
		}
	}
	return 1
}
