package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/blitedb/blite/identity"
	"github.com/blitedb/blite/registry"
)

// AdminServer manages users and tenant databases. Every method requires
// the admin permission on the wildcard collection or the admin anchor.
type AdminServer struct {
	*Backend
}

func (s *AdminServer) requireAdmin(ctx context.Context) error {
	var u, err = requireUser(ctx)
	if err != nil {
		return err
	}
	return identity.CheckAdmin(u)
}

func permsFromSpecs(specs []PermSpec) ([]identity.PermEntry, error) {
	var out = make([]identity.PermEntry, 0, len(specs))
	for _, spec := range specs {
		var ops, err = identity.ParseOps(spec.Ops)
		if err != nil {
			return nil, err
		}
		out = append(out, identity.PermEntry{Collection: spec.Collection, Ops: ops})
	}
	return out, nil
}

func specsFromPerms(perms []identity.PermEntry) []PermSpec {
	var out = make([]PermSpec, 0, len(perms))
	for _, p := range perms {
		out = append(out, PermSpec{Collection: p.Collection, Ops: p.Ops.Names()})
	}
	return out
}

func (s *AdminServer) CreateUser(ctx context.Context, req *CreateUserRequest) (*APIKeyResponse, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	var perms, err = permsFromSpecs(req.Perms)
	if err != nil {
		return nil, err
	}
	key, err := s.Store.Create(req.Name, req.Namespace, req.RestrictedDB, perms)
	if err != nil {
		return nil, err
	}
	return &APIKeyResponse{APIKey: key}, nil
}

func (s *AdminServer) RevokeUser(ctx context.Context, req *UserNameRequest) (*Empty, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := s.Store.Revoke(req.Name); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *AdminServer) RotateKey(ctx context.Context, req *UserNameRequest) (*APIKeyResponse, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	var key, err = s.Store.RotateKey(req.Name)
	if err != nil {
		return nil, err
	}
	return &APIKeyResponse{APIKey: key}, nil
}

func (s *AdminServer) UpdatePerms(ctx context.Context, req *UpdatePermsRequest) (*Empty, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	var perms, err = permsFromSpecs(req.Perms)
	if err != nil {
		return nil, err
	}
	if err = s.Store.UpdatePerms(req.Name, perms); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *AdminServer) ListUsers(ctx context.Context, _ *Empty) (*ListUsersResponse, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	var out ListUsersResponse
	for _, u := range s.Store.List() {
		out.Users = append(out.Users, UserInfo{
			Name:         u.Name,
			Active:       u.Active,
			Namespace:    u.Namespace,
			RestrictedDB: u.RestrictedDB,
			Perms:        specsFromPerms(u.Perms),
			CreatedAt:    u.CreatedAt,
		})
	}
	return &out, nil
}

func (s *AdminServer) ProvisionTenant(ctx context.Context, req *TenantRequest) (*Empty, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := s.Registry.Provision(req.ID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *AdminServer) DeprovisionTenant(ctx context.Context, req *TenantRequest) (*Empty, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := s.Registry.Deprovision(req.ID, req.DeleteFiles); err != nil {
		return nil, err
	}
	s.Cache.InvalidateDatabase(registry.NormalizeID(req.ID))
	return &Empty{}, nil
}

func (s *AdminServer) ListTenants(ctx context.Context, _ *Empty) (*ListTenantsResponse, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	var tenants, err = s.Registry.List()
	if err != nil {
		return nil, err
	}
	var out ListTenantsResponse
	for _, t := range tenants {
		out.Tenants = append(out.Tenants, TenantInfo{ID: t.ID, Active: t.Active})
	}
	return &out, nil
}

// AdminServiceDesc is the hand-written dispatch table of the service.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: "blite.Admin",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateUser", Handler: unary("/blite.Admin/CreateUser",
			func(s *AdminServer, ctx context.Context, req *CreateUserRequest) (interface{}, error) { return s.CreateUser(ctx, req) })},
		{MethodName: "RevokeUser", Handler: unary("/blite.Admin/RevokeUser",
			func(s *AdminServer, ctx context.Context, req *UserNameRequest) (interface{}, error) { return s.RevokeUser(ctx, req) })},
		{MethodName: "RotateKey", Handler: unary("/blite.Admin/RotateKey",
			func(s *AdminServer, ctx context.Context, req *UserNameRequest) (interface{}, error) { return s.RotateKey(ctx, req) })},
		{MethodName: "UpdatePerms", Handler: unary("/blite.Admin/UpdatePerms",
			func(s *AdminServer, ctx context.Context, req *UpdatePermsRequest) (interface{}, error) { return s.UpdatePerms(ctx, req) })},
		{MethodName: "ListUsers", Handler: unary("/blite.Admin/ListUsers",
			func(s *AdminServer, ctx context.Context, req *Empty) (interface{}, error) { return s.ListUsers(ctx, req) })},
		{MethodName: "ProvisionTenant", Handler: unary("/blite.Admin/ProvisionTenant",
			func(s *AdminServer, ctx context.Context, req *TenantRequest) (interface{}, error) { return s.ProvisionTenant(ctx, req) })},
		{MethodName: "DeprovisionTenant", Handler: unary("/blite.Admin/DeprovisionTenant",
			func(s *AdminServer, ctx context.Context, req *TenantRequest) (interface{}, error) { return s.DeprovisionTenant(ctx, req) })},
		{MethodName: "ListTenants", Handler: unary("/blite.Admin/ListTenants",
			func(s *AdminServer, ctx context.Context, req *Empty) (interface{}, error) { return s.ListTenants(ctx, req) })},
	},
	Metadata: "rpc/admin.go",
}
