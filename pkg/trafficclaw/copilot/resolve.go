package copilot

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

// resolveClient turns a client reference into a single record. When the
// name matches several clients it returns them as candidates instead.
func (a *Actions) resolveClient(ctx context.Context, actor string, ref tools.ClientRef) (*business.Client, []business.Client, error) {
	if id := strings.TrimSpace(ref.ClienteID); id != "" {
		c, err := a.store.GetClient(ctx, actor, id)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	}

	name := strings.TrimSpace(ref.Cliente)
	matches, err := a.store.FindClientsByName(ctx, actor, name)
	if err != nil {
		return nil, nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil, &UserError{
			Kind:    KindNotFound,
			Message: fmt.Sprintf("Não encontrei nenhum cliente chamado \"%s\".", name),
		}
	case 1:
		return &matches[0], nil, nil
	default:
		return nil, matches, nil
	}
}

// resolveOne is resolveClient for execution time, where an ambiguous name
// is an error.
func (a *Actions) resolveOne(ctx context.Context, actor string, ref tools.ClientRef) (*business.Client, error) {
	c, candidates, err := a.resolveClient(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		return nil, fmt.Errorf("client %q: %w", ref.Cliente, ErrAmbiguousClient)
	}
	return c, nil
}

type recipient struct {
	clientID string
	name     string
	phone    string
}

func (r recipient) label() string {
	if r.name != "" {
		return r.name
	}
	return r.phone
}

// resolveRecipient picks the phone of a message: the client's phone when a
// client is referenced, the explicit number otherwise.
func (a *Actions) resolveRecipient(ctx context.Context, actor string, ref tools.ClientRef, phone string) (recipient, error) {
	if !ref.HasClient() {
		return recipient{phone: business.NormalizePhone(phone)}, nil
	}
	c, err := a.resolveOne(ctx, actor, ref)
	if err != nil {
		return recipient{}, err
	}
	return a.recipientFor(c, phone)
}

func (a *Actions) recipientFor(c *business.Client, fallbackPhone string) (recipient, error) {
	p := business.NormalizePhone(c.Phone)
	if p == "" {
		p = business.NormalizePhone(fallbackPhone)
	}
	if p == "" {
		return recipient{}, &UserError{
			Kind:    KindNotFound,
			Message: fmt.Sprintf("O cliente %s não tem telefone cadastrado.", c.Name),
		}
	}
	return recipient{clientID: c.ID, name: c.Name, phone: p}, nil
}
