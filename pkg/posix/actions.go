package posix

import (
	"path/filepath"
	"regexp"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/validation"
)

// Action classes
const (
	ActionUser  = "user"
	ActionGroup = "group"
	ActionDir   = "dir"
)

// Step is one program invocation
type Step []string

type method func(target, args Args) ([]Step, error)

var actions = map[string]struct {
	target  func(Args) error
	methods map[string]method
}{
	ActionUser: {
		target: func(a Args) error { return validation.UnixName("login", a["login"]) },
		methods: map[string]method{
			"add":          userAdd,
			"update":       userUpdate,
			"lock":         userLock,
			"unlock":       userUnlock,
			"set_password": userSetPassword,
			"remove":       userRemove,
		},
	},
	ActionGroup: {
		target: func(a Args) error { return validation.UnixName("name", a["name"]) },
		methods: map[string]method{
			"add":         groupAdd,
			"rename":      groupRename,
			"remove":      groupRemove,
			"add_user":    groupAddUser,
			"remove_user": groupRemoveUser,
		},
	},
	ActionDir: {
		target: func(a Args) error { return checkPath(a["path"]) },
		methods: map[string]method{
			"make":  dirMake,
			"chown": dirChown,
		},
	},
}

// Plan validates a command and returns the programs that implement it
func Plan(cmd Command) ([]Step, error) {
	action, ok := actions[cmd.Action]
	if !ok {
		return nil, errdefs.Validation("unknown posix action %q", cmd.Action)
	}
	m, ok := action.methods[cmd.Method]
	if !ok {
		return nil, errdefs.Validation("posix action %s has no method %q", cmd.Action, cmd.Method)
	}
	if err := action.target(cmd.ActionArgs); err != nil {
		return nil, err
	}
	return m(cmd.ActionArgs, cmd.MethodArgs)
}

func userAdd(t, a Args) ([]Step, error) {
	if err := checkPath(a["home"]); err != nil {
		return nil, err
	}
	argv := Step{"useradd", "-M", "-d", a["home"], "-s", "/bin/bash", "-c", gecos(a["comment"])}
	if g := a["group"]; g != "" {
		if err := validation.UnixName("group", g); err != nil {
			return nil, err
		}
		argv = append(argv, "-g", g)
	} else {
		argv = append(argv, "-U")
	}
	return []Step{append(argv, t["login"])}, nil
}

func userUpdate(t, a Args) ([]Step, error) {
	return []Step{{"usermod", "-c", gecos(a["comment"]), t["login"]}}, nil
}

func userLock(t, _ Args) ([]Step, error) {
	return []Step{{"usermod", "-L", t["login"]}}, nil
}

func userUnlock(t, _ Args) ([]Step, error) {
	return []Step{{"usermod", "-U", t["login"]}}, nil
}

var cryptHash = regexp.MustCompile(`^\$[0-9a-z]+\$[./A-Za-z0-9$=,]+$`)

func userSetPassword(t, a Args) ([]Step, error) {
	if !cryptHash.MatchString(a["hash"]) {
		return nil, errdefs.FieldInvalid("hash", "password hash is not in crypt(3) format")
	}
	return []Step{{"usermod", "-p", a["hash"], t["login"]}}, nil
}

// userRemove keeps the home directory; removing it is left to the operator
func userRemove(t, _ Args) ([]Step, error) {
	return []Step{{"userdel", t["login"]}}, nil
}

func groupAdd(t, _ Args) ([]Step, error) {
	return []Step{{"groupadd", t["name"]}}, nil
}

func groupRename(t, a Args) ([]Step, error) {
	if err := validation.UnixName("new_name", a["new_name"]); err != nil {
		return nil, err
	}
	return []Step{{"groupmod", "-n", a["new_name"], t["name"]}}, nil
}

func groupRemove(t, _ Args) ([]Step, error) {
	return []Step{{"groupdel", t["name"]}}, nil
}

func groupAddUser(t, a Args) ([]Step, error) {
	if err := validation.UnixName("login", a["login"]); err != nil {
		return nil, err
	}
	return []Step{{"gpasswd", "-a", a["login"], t["name"]}}, nil
}

func groupRemoveUser(t, a Args) ([]Step, error) {
	if err := validation.UnixName("login", a["login"]); err != nil {
		return nil, err
	}
	return []Step{{"gpasswd", "-d", a["login"], t["name"]}}, nil
}

var fileMode = regexp.MustCompile(`^[0-7]{3,4}$`)

func dirMake(t, a Args) ([]Step, error) {
	mode := a["mode"]
	if mode == "" {
		mode = "0750"
	}
	if !fileMode.MatchString(mode) {
		return nil, errdefs.FieldInvalid("mode", "%q is not an octal file mode", mode)
	}
	chown, err := dirChown(t, a)
	if err != nil {
		return nil, err
	}
	steps := []Step{{"mkdir", "-p", t["path"]}}
	steps = append(steps, chown...)
	return append(steps, Step{"chmod", mode, t["path"]}), nil
}

func dirChown(t, a Args) ([]Step, error) {
	if err := validation.UnixName("owner", a["owner"]); err != nil {
		return nil, err
	}
	owner := a["owner"]
	if g := a["group"]; g != "" {
		if err := validation.UnixName("group", g); err != nil {
			return nil, err
		}
		owner += ":" + g
	}
	return []Step{{"chown", owner, t["path"]}}, nil
}

func checkPath(p string) error {
	if p == "" || !filepath.IsAbs(p) || filepath.Clean(p) != p || p == "/" {
		return errdefs.FieldInvalid("path", "%q must be a clean absolute path", p)
	}
	return nil
}

var gecosUnsafe = regexp.MustCompile(`[:,=\n]`)

func gecos(s string) string {
	return gecosUnsafe.ReplaceAllString(s, " ")
}

// UserAdd creates a login without creating its home directory
func UserAdd(login, home, comment, group string) Command {
	return Command{
		Action: ActionUser, ActionArgs: Args{"login": login},
		Method: "add", MethodArgs: Args{"home": home, "comment": comment, "group": group},
	}
}

// UserUpdate changes the GECOS comment
func UserUpdate(login, comment string) Command {
	return Command{Action: ActionUser, ActionArgs: Args{"login": login}, Method: "update", MethodArgs: Args{"comment": comment}}
}

// UserLock locks or unlocks the login
func UserLock(login string, locked bool) Command {
	m := "unlock"
	if locked {
		m = "lock"
	}
	return Command{Action: ActionUser, ActionArgs: Args{"login": login}, Method: m, MethodArgs: Args{}}
}

// UserSetPassword installs a crypt(3) password hash
func UserSetPassword(login, hash string) Command {
	return Command{Action: ActionUser, ActionArgs: Args{"login": login}, Method: "set_password", MethodArgs: Args{"hash": hash}}
}

// UserRemove deletes the login
func UserRemove(login string) Command {
	return Command{Action: ActionUser, ActionArgs: Args{"login": login}, Method: "remove", MethodArgs: Args{}}
}

// GroupAdd creates a group
func GroupAdd(name string) Command {
	return Command{Action: ActionGroup, ActionArgs: Args{"name": name}, Method: "add", MethodArgs: Args{}}
}

// GroupRename renames a group
func GroupRename(name, newName string) Command {
	return Command{Action: ActionGroup, ActionArgs: Args{"name": name}, Method: "rename", MethodArgs: Args{"new_name": newName}}
}

// GroupRemove deletes a group
func GroupRemove(name string) Command {
	return Command{Action: ActionGroup, ActionArgs: Args{"name": name}, Method: "remove", MethodArgs: Args{}}
}

// GroupAddUser adds a login to a group
func GroupAddUser(name, login string) Command {
	return Command{Action: ActionGroup, ActionArgs: Args{"name": name}, Method: "add_user", MethodArgs: Args{"login": login}}
}

// GroupRemoveUser removes a login from a group
func GroupRemoveUser(name, login string) Command {
	return Command{Action: ActionGroup, ActionArgs: Args{"name": name}, Method: "remove_user", MethodArgs: Args{"login": login}}
}

// DirMake creates a directory owned by owner:group with the given octal mode
func DirMake(path, owner, group, mode string) Command {
	return Command{
		Action: ActionDir, ActionArgs: Args{"path": path},
		Method: "make", MethodArgs: Args{"owner": owner, "group": group, "mode": mode},
	}
}

// DirChown changes the owner of a directory
func DirChown(path, owner, group string) Command {
	return Command{Action: ActionDir, ActionArgs: Args{"path": path}, Method: "chown", MethodArgs: Args{"owner": owner, "group": group}}
}
