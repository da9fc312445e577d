package xmlrpc

import (
	"net/http"
	"net/url"

	"github.com/icholy/digest"
)

// digestClient returns a copy of cln, which answers digest challenges (RFC
// 7616, RFC 2617) with the credentials of user.
func digestClient(cln *http.Client, user *url.Userinfo) *http.Client {
	pass, _ := user.Password()
	dc := *cln
	dc.Transport = &digest.Transport{
		Username:  user.Username(),
		Password:  pass,
		Transport: cln.Transport,
	}
	return &dc
}
