package irc

import (
	"github.com/dalnet/imgate/internal/im"
	"github.com/dalnet/imgate/internal/routing"
)

// Server is the local gateway server or the remote server of one IM
// account.
type Server struct {
	name    string
	info    string
	account *im.Account
	nicks   map[NickID]struct{}
}

func newServer(name, info string, acc *im.Account) *Server {
	return &Server{name: name, info: info, account: acc, nicks: make(map[NickID]struct{})}
}

func (s *Server) Name() string     { return s.name }
func (s *Server) LongName() string { return s.name }
func (s *Server) Info() string     { return s.info }

// Account returns the IM account of a remote server, or nil for the
// local server.
func (s *Server) Account() *im.Account { return s.account }

// CountNicks returns the number of nicks attached to the server.
func (s *Server) CountNicks() int { return len(s.nicks) }

// LinkTree renders the servers of the session: the local server at the
// root with every account server linked to it.
func (irc *IRC) LinkTree() *routing.LinkTree {
	tree := routing.NewLinkTree()
	for _, s := range irc.Servers() {
		if s == irc.local {
			tree.Add(s.name, s.name, 0, s.CountNicks(), s.info)
			continue
		}
		tree.Add(s.name, irc.local.name, 1, s.CountNicks(), s.info)
	}
	return tree
}
