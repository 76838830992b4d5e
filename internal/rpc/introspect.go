// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rpc

import (
	"encoding/xml"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

func in(name, typ string) introspect.Arg {
	return introspect.Arg{Name: name, Type: typ, Direction: "in"}
}

func out(name, typ string) introspect.Arg {
	return introspect.Arg{Name: name, Type: typ, Direction: "out"}
}

func sig(name string, args ...introspect.Arg) introspect.Signal {
	return introspect.Signal{Name: name, Args: append([]introspect.Arg{{Name: "session_object_path", Type: "o"}}, args...)}
}

func method(name string, args ...introspect.Arg) introspect.Method {
	return introspect.Method{Name: name, Args: args}
}

var sessionManagerInterface = introspect.Interface{
	Name: IfaceSessionManager,
	Methods: []introspect.Method{
		method("open_session", in("options", "a{sv}"), out("session_object_path", "o")),
		method("close_session", in("session_object_path", "o"), out("success", "b")),
	},
}

var goalInterface = introspect.Interface{
	Name: IfaceGoal,
	Methods: []introspect.Method{
		method("resolve", in("options", "a{sv}"), out("transaction_items", "a(ussssss)"), out("result", "u")),
		method("do_transaction", in("options", "a{sv}")),
		method("get_transaction_problems_string", out("problems", "as")),
		method("get_transaction_problems", out("problems", "aa{sv}")),
		method("reset"),
	},
}

func rpmMethod(name string) introspect.Method {
	return method(name, in("pkg_specs", "as"), in("options", "a{sv}"))
}

var rpmInterface = introspect.Interface{
	Name: IfaceRpm,
	Methods: []introspect.Method{
		rpmMethod("install"),
		rpmMethod("remove"),
		rpmMethod("upgrade"),
		rpmMethod("downgrade"),
		rpmMethod("reinstall"),
		rpmMethod("distro_sync"),
	},
	Signals: []introspect.Signal{
		sig("transaction_action_start", out("nevra", "s"), out("action", "u"), out("total", "t")),
		sig("transaction_action_progress", out("nevra", "s"), out("amount", "t"), out("total", "t")),
		sig("transaction_action_stop", out("nevra", "s"), out("total", "t")),
		sig("transaction_transaction_start", out("total", "t")),
		sig("transaction_transaction_progress", out("amount", "t"), out("total", "t")),
		sig("transaction_transaction_stop", out("total", "t")),
		sig("transaction_script_error", out("nevra", "s"), out("scriptlet_type", "u"), out("return_code", "t")),
		sig("transaction_finished", out("status", "u")),
	},
}

var baseInterface = introspect.Interface{
	Name: IfaceBase,
	Signals: []introspect.Signal{
		sig("download_add_new", out("download_id", "s"), out("description", "s"), out("total_to_download", "x")),
		sig("download_progress", out("download_id", "s"), out("downloaded", "x"), out("total_to_download", "x")),
		sig("download_end", out("download_id", "s"), out("transfer_status", "u"), out("message", "s")),
		sig("download_mirror_failure", out("download_id", "s"), out("message", "s"), out("url", "s")),
	},
}

var repoInterface = introspect.Interface{
	Name: IfaceRepo,
	Methods: []introspect.Method{
		method("read_all_repos", out("success", "b")),
		method("list", in("options", "a{sv}"), out("repositories", "aa{sv}")),
	},
}

var repoConfInterface = introspect.Interface{
	Name: IfaceRepoConf,
	Methods: []introspect.Method{
		method("list", in("options", "a{sv}"), out("repositories", "aa{sv}")),
		method("get", in("repo_id", "s"), out("repository", "a{sv}")),
		method("enable", in("repo_ids", "as"), out("changed", "as")),
		method("disable", in("repo_ids", "as"), out("changed", "as")),
	},
}

var historyInterface = introspect.Interface{
	Name: IfaceHistory,
	Methods: []introspect.Method{
		method("list", in("options", "a{sv}"), out("transactions", "aa{sv}")),
		method("recent_changes", in("options", "a{sv}"), out("changeset", "a{saa{sv}}")),
	},
}

func sessionNode() *introspect.Node {
	return &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			goalInterface,
			rpmInterface,
			baseInterface,
			repoInterface,
			repoConfInterface,
			historyInterface,
		},
	}
}

// rootXML renders the root node with one child per open session.
func rootXML(name dbus.ObjectPath, sessions []string) (string, error) {
	node := introspect.Node{
		Name:       string(name),
		Interfaces: []introspect.Interface{introspect.IntrospectData, sessionManagerInterface},
	}
	prefix := string(name) + "/"
	for _, id := range sessions {
		node.Children = append(node.Children, introspect.Node{Name: strings.TrimPrefix(id, prefix)})
	}
	raw, err := xml.Marshal(node)
	if err != nil {
		return "", err
	}
	return introspect.IntrospectDeclarationString + string(raw), nil
}
